package redis

import (
	"bufio"
	"io"
)

// ReadResponse reads a single RESP frame from b. The result is either a
// decoded value (string, int64, []byte, nil, []interface{}) or *errorx.Error.
// A server error answer decodes to ErrResult; anything else stored as an
// error means the stream itself is broken (see HardError).
func ReadResponse(b *bufio.Reader) interface{} {
	line, isPrefix, err := b.ReadLine()
	if err != nil {
		if err == io.EOF {
			return ErrPrematureClose.Wrap(err, "connection closed by peer")
		}
		return ErrIO.Wrap(err, "read failed")
	}

	if isPrefix {
		return ErrHeaderlineTooLarge.NewWithNoMessage().WithProperty(EKLine, string(line))
	}

	if len(line) == 0 {
		return ErrHeaderlineEmpty.NewWithNoMessage()
	}

	var v int64
	switch line[0] {
	case '+':
		return string(line[1:])
	case '-':
		// server text goes through as-is, it is not a format string
		return ErrResult.New("%s", line[1:])
	case ':':
		if v, err = parseInt(line[1:]); err != nil {
			return err
		}
		return v
	case '$':
		if v, err = parseInt(line[1:]); err != nil {
			return err
		}
		if v < 0 {
			return nil
		}
		buf := make([]byte, v+2)
		if _, err = io.ReadFull(b, buf); err != nil {
			return ErrIO.Wrap(err, "read of bulk string failed")
		}
		if buf[v] != '\r' || buf[v+1] != '\n' {
			return ErrNoFinalRN.NewWithNoMessage()
		}
		return buf[:v:v]
	case '*':
		if v, err = parseInt(line[1:]); err != nil {
			return err
		}
		if v < 0 {
			return nil
		}
		result := make([]interface{}, v)
		for i := int64(0); i < v; i++ {
			result[i] = ReadResponse(b)
			if e, ok := result[i].(error); ok {
				if rerr := AsErrorx(result[i]); HardError(rerr) {
					return e
				}
			}
		}
		return result
	default:
		return ErrUnknownHeaderType.NewWithNoMessage().WithProperty(EKLine, string(line))
	}
}

func parseInt(buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, ErrIntegerParsing.NewWithNoMessage()
	}

	neg := buf[0] == '-'
	if neg {
		buf = buf[1:]
	}
	v := int64(0)
	for _, b := range buf {
		if b < '0' || b > '9' {
			return 0, ErrIntegerParsing.NewWithNoMessage().WithProperty(EKLine, string(buf))
		}
		v *= 10
		v += int64(b - '0')
	}
	if neg {
		v = -v
	}
	return v, nil
}
