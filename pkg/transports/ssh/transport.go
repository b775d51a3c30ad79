// Package ssh converges remote machines. Host implements host.Host over one
// SSH connection: commands run through /bin/sh on the remote side and file
// content moves over SFTP.
package ssh

import "errors"

// TransportError is a failure to talk to the target, as opposed to a
// command that ran and exited non-zero.
type TransportError struct {
	// Op is connect, handshake, session, execute, upload and so on.
	Op  string
	Err error

	IsTemporary bool
	// IsAuthError marks rejected credentials or host keys.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return "ssh " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is a transport error worth retrying.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}
