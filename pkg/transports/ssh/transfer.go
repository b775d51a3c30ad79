package ssh

import (
	"context"
	"errors"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
)

// sftpClient returns the host's SFTP session, starting it on first use.
func (h *Host) sftpClient() (*sftp.Client, error) {
	h.sftpMu.Lock()
	defer h.sftpMu.Unlock()
	if h.sftp != nil {
		return h.sftp, nil
	}
	conn, err := h.client.sshClient()
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: err, IsTemporary: true}
	}
	h.sftp = client
	return client, nil
}

// stage uploads content to a fresh file in the staging directory and
// returns its remote path.
func (h *Host) stage(ctx context.Context, content io.Reader) (string, error) {
	client, err := h.sftpClient()
	if err != nil {
		return "", err
	}

	staged := path.Join(h.config.StagingDir, ".ember-"+uuid.NewString())
	remoteFile, err := client.OpenFile(staged, createExclusive)
	if err != nil {
		return "", &TransportError{Op: "stage " + staged, Err: err, IsTemporary: true}
	}

	// ReadFrom pipelines writes over the SFTP channel.
	written, err := remoteFile.ReadFrom(ctxReader{ctx: ctx, r: content})
	if cerr := remoteFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = client.Remove(staged)
		return "", &TransportError{Op: "stage " + staged, Err: err, IsTemporary: !errors.Is(err, ctx.Err())}
	}

	h.client.logger.Debug().Str("staged", staged).Int64("bytes", written).Msg("content staged")
	return staged, nil
}

// openSFTP streams a remote file readable by the login user.
func (h *Host) openSFTP(p string) (io.ReadCloser, error) {
	client, err := h.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := client.Open(p)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ctxReader fails reads once ctx is done, which stops an in-flight copy
// between chunks.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
