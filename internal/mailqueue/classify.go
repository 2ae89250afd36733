package mailqueue

import (
	"errors"
	"net/textproto"
	"regexp"
)

// PermanentError marks a transport failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so IsPermanent reports true.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

var permanentPattern = regexp.MustCompile(`(?i)invalid recipient|address rejected|unknown user|user unknown|no such user|mailbox unavailable|does not exist`)

// IsPermanent classifies a send error. Rejected recipients are permanent, everything
// else (connection refused, timeouts, 4xx greylisting) is worth retrying. An SMTP 4xx
// reply is transient whatever its text says.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch {
		case protoErr.Code == 550, protoErr.Code == 551, protoErr.Code == 553:
			return true
		case protoErr.Code < 500:
			return false
		}
	}
	return permanentPattern.MatchString(err.Error())
}
