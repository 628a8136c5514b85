package redisgroup

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/redmux/redmux/redis"
	"github.com/redmux/redmux/redisconn"
)

const defaultAddr = "localhost:6379"

// Options configure a client handle.
type Options struct {
	// Addr is "host:port"; defaults to localhost:6379.
	Addr string
	// DB is selected on every connection right after dialing.
	DB int
	// Password for AUTH, sent before anything else.
	Password string
	// DialTimeout and IOTimeout are passed to every connection.
	DialTimeout time.Duration
	IOTimeout   time.Duration
	// Encoding converts textual replies and message payloads.
	// Nil means UTF-8 as-is.
	Encoding encoding.Encoding
	// RawBytes disables text conversion: bulk strings stay []byte.
	RawBytes bool
	// Logger for connection lifecycle events on all groups.
	Logger redisconn.Logger

	// OnMessage receives SUBSCRIBE deliveries.
	OnMessage func(channel, payload string)
	// OnPMessage receives PSUBSCRIBE deliveries.
	OnPMessage func(pattern, channel, payload string)
	// OnError receives errors unassociated with any command.
	OnError func(err error)
}

// ParseURL fills Options from a connection URL of the form
// redis://[:password@]host[:port][/db]. Host defaults to localhost, port to
// 6379 and db to 0.
func ParseURL(rawurl string) (Options, error) {
	var opts Options
	u, err := url.Parse(rawurl)
	if err != nil {
		return opts, redis.ErrBadURL.Wrap(err, "could not parse %q", rawurl)
	}
	if u.Scheme != "redis" && u.Scheme != "tcp" {
		return opts, redis.ErrBadURL.New("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "6379"
	}
	opts.Addr = net.JoinHostPort(host, port)
	if u.User != nil {
		if password, ok := u.User.Password(); ok {
			opts.Password = password
		}
	}
	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		db, err := strconv.Atoi(path)
		if err != nil || db < 0 {
			return opts, redis.ErrBadURL.New("bad db index %q", path)
		}
		opts.DB = db
	}
	return opts, nil
}

// fileConfig is the YAML client configuration. ghodss/yaml goes through the
// json machinery, hence the json tags.
type fileConfig struct {
	URL           string `json:"url"`
	Encoding      string `json:"encoding"`
	RawBytes      bool   `json:"rawBytes"`
	DialTimeoutMS int    `json:"dialTimeoutMS"`
	IOTimeoutMS   int    `json:"ioTimeoutMS"`
}

// LoadOptions reads Options from a YAML file.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, redis.ErrConfig.Wrap(err, "could not read %q", path)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Options{}, redis.ErrConfig.Wrap(err, "could not parse config %q", path)
	}
	if fc.URL == "" {
		fc.URL = "redis://" + defaultAddr
	}
	opts, err := ParseURL(fc.URL)
	if err != nil {
		return Options{}, err
	}
	if fc.Encoding != "" {
		enc, err := resolveEncoding(fc.Encoding)
		if err != nil {
			return Options{}, err
		}
		opts.Encoding = enc
	}
	opts.RawBytes = fc.RawBytes
	opts.DialTimeout = time.Duration(fc.DialTimeoutMS) * time.Millisecond
	opts.IOTimeout = time.Duration(fc.IOTimeoutMS) * time.Millisecond
	return opts, nil
}

// resolveEncoding maps an IANA charset name to a decoder. UTF-8 needs no
// conversion and resolves to nil.
func resolveEncoding(name string) (encoding.Encoding, error) {
	if strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, redis.ErrBadEncoding.New("unknown encoding %q", name)
	}
	return enc, nil
}
