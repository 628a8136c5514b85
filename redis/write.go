package redis

import (
	"strconv"

	"github.com/joomcode/errorx"
)

// AppendRequest appends req encoded as an array of bulk strings to buf.
// The verb itself is the first element, so a zero-argument command still
// produces a valid one-element array.
func AppendRequest(buf []byte, req Request) ([]byte, *errorx.Error) {
	buf = appendHead(buf, '*', int64(len(req.Args)+1))
	buf = appendHead(buf, '$', int64(len(req.Cmd)))
	buf = append(buf, req.Cmd...)
	buf = append(buf, '\r', '\n')
	for _, val := range req.Args {
		switch v := val.(type) {
		case string:
			buf = appendBulkString(buf, v)
		case []byte:
			buf = appendHead(buf, '$', int64(len(v)))
			buf = append(buf, v...)
			buf = append(buf, '\r', '\n')
		case int:
			buf = appendBulkInt(buf, int64(v))
		case int8:
			buf = appendBulkInt(buf, int64(v))
		case int16:
			buf = appendBulkInt(buf, int64(v))
		case int32:
			buf = appendBulkInt(buf, int64(v))
		case int64:
			buf = appendBulkInt(buf, v)
		case uint:
			buf = appendBulkInt(buf, int64(v))
		case uint8:
			buf = appendBulkInt(buf, int64(v))
		case uint16:
			buf = appendBulkInt(buf, int64(v))
		case uint32:
			buf = appendBulkInt(buf, int64(v))
		case uint64:
			buf = appendBulkInt(buf, int64(v))
		case float32:
			buf = appendBulkString(buf, strconv.FormatFloat(float64(v), 'f', -1, 32))
		case float64:
			buf = appendBulkString(buf, strconv.FormatFloat(v, 'f', -1, 64))
		default:
			return buf, ErrArgumentType.New("argument of type %T is not supported", val).
				WithProperty(EKCommand, req.Cmd)
		}
	}
	return buf, nil
}

func appendBulkString(b []byte, s string) []byte {
	b = appendHead(b, '$', int64(len(s)))
	b = append(b, s...)
	return append(b, '\r', '\n')
}

func appendBulkInt(b []byte, i int64) []byte {
	s := strconv.FormatInt(i, 10)
	return appendBulkString(b, s)
}

func appendHead(b []byte, t byte, i int64) []byte {
	b = append(b, t)
	b = strconv.AppendInt(b, i, 10)
	return append(b, '\r', '\n')
}
