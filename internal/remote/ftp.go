package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jlaffaye/ftp"

	"github.com/cwbudde/sizif/internal/store"
)

// tempPrefix names in-flight uploads. List skips dot files, so a staged
// upload is never reported as a snapshot.
const tempPrefix = ".sizif-tmp-"

// FTPConfig holds the connection parameters of an FTP remote store.
type FTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// Folder is created on first use when missing. Empty means the login
	// directory.
	Folder  string
	Timeout time.Duration
}

// ftpConn is the subset of *ftp.ServerConn the store uses.
type ftpConn interface {
	Login(user, password string) error
	ChangeDir(path string) error
	MakeDir(path string) error
	List(path string) ([]*ftp.Entry, error)
	Stor(path string, r io.Reader) error
	Fetch(path string) (io.ReadCloser, error)
	FileSize(path string) (int64, error)
	Rename(from, to string) error
	Delete(path string) error
	Quit() error
}

type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Fetch(path string) (io.ReadCloser, error) {
	resp, err := c.Retr(path)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// FTPStore implements store.Backend on an FTP server. Every operation opens
// its own control connection, changes into the snapshot folder and quits
// when done, so a dropped connection never outlives one call.
type FTPStore struct {
	cfg  FTPConfig
	dial func(ctx context.Context) (ftpConn, error)
}

// NewFTPStore validates cfg and returns a store. No connection is made until
// the first operation.
func NewFTPStore(cfg FTPConfig) (*FTPStore, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ftp host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("ftp user is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 21
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &FTPStore{cfg: cfg}
	s.dial = s.dialServer
	return s, nil
}

// Name implements store.Named.
func (s *FTPStore) Name() string { return "ftp" }

func (s *FTPStore) dialServer(ctx context.Context) (ftpConn, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithDialer(net.Dialer{Timeout: s.cfg.Timeout, KeepAlive: 30 * time.Second}),
	)
	if err != nil {
		return nil, err
	}
	return serverConn{conn}, nil
}

// session runs fn on a logged-in connection positioned in the snapshot
// folder. The connection is always closed afterwards.
func (s *FTPStore) session(ctx context.Context, op, id string, fn func(c ftpConn) error) error {
	if err := ctx.Err(); err != nil {
		return classifyFTPError(op, id, err)
	}

	c, err := s.dial(ctx)
	if err != nil {
		return classifyFTPError(op, id, fmt.Errorf("failed to connect to %s: %w", s.cfg.Host, err))
	}
	defer func() {
		if err := c.Quit(); err != nil {
			slog.Debug("FTP quit failed", "host", s.cfg.Host, "error", err)
		}
	}()

	if err := c.Login(s.cfg.User, s.cfg.Password); err != nil {
		return classifyFTPError(op, id, fmt.Errorf("login failed: %w", err))
	}
	if err := s.enterFolder(c); err != nil {
		return classifyFTPError(op, id, err)
	}
	return classifyFTPError(op, id, fn(c))
}

// enterFolder changes into the configured folder, creating missing
// components on the way.
func (s *FTPStore) enterFolder(c ftpConn) error {
	folder := strings.TrimSpace(s.cfg.Folder)
	if folder == "" || folder == "." {
		return nil
	}
	if err := c.ChangeDir(folder); err == nil {
		return nil
	}

	if strings.HasPrefix(folder, "/") {
		if err := c.ChangeDir("/"); err != nil {
			return fmt.Errorf("failed to change to root: %w", err)
		}
	}
	for _, part := range strings.Split(strings.Trim(folder, "/"), "/") {
		if part == "" {
			continue
		}
		if err := c.ChangeDir(part); err == nil {
			continue
		}
		if err := c.MakeDir(part); err != nil {
			return fmt.Errorf("failed to create folder %s: %w", part, err)
		}
		slog.Info("Created remote folder", "host", s.cfg.Host, "folder", part)
		if err := c.ChangeDir(part); err != nil {
			return fmt.Errorf("failed to enter folder %s: %w", part, err)
		}
	}
	return nil
}

// Put uploads blob under a staging name, verifies its size and renames it
// to id.
func (s *FTPStore) Put(ctx context.Context, id string, blob []byte) error {
	return s.session(ctx, "put", id, func(c ftpConn) error {
		tmp := tempPrefix + uuid.NewString()
		cleanup := func() {
			if err := c.Delete(tmp); err != nil {
				slog.Debug("Failed to remove staged upload", "path", tmp, "error", err)
			}
		}

		if err := c.Stor(tmp, bytes.NewReader(blob)); err != nil {
			cleanup()
			return fmt.Errorf("upload failed: %w", err)
		}

		size, err := remoteSize(c, tmp)
		if err != nil {
			cleanup()
			return fmt.Errorf("verify failed: %w", err)
		}
		if size != int64(len(blob)) {
			cleanup()
			return &sizeMismatchError{want: int64(len(blob)), got: size}
		}

		if err := c.Rename(tmp, id); err != nil {
			// Some servers refuse to rename over an existing file.
			if ftpCode(err) == ftpFileUnavailable {
				if derr := c.Delete(id); derr == nil {
					err = c.Rename(tmp, id)
				}
			}
			if err != nil {
				cleanup()
				return fmt.Errorf("rename failed: %w", err)
			}
		}
		return nil
	})
}

type sizeMismatchError struct {
	want, got int64
}

func (e *sizeMismatchError) Error() string {
	return fmt.Sprintf("uploaded size mismatch: sent %d bytes, server has %d", e.want, e.got)
}

// remoteSize asks for SIZE and falls back to a directory listing on servers
// that do not implement it. A file missing from the listing is reported as a
// 550 reply, the same as a SIZE answer for a missing file.
func remoteSize(c ftpConn, name string) (int64, error) {
	size, err := c.FileSize(name)
	if err == nil {
		return size, nil
	}
	switch ftpCode(err) {
	case ftpSyntaxError, ftpNotImplemented, ftpParamNotImplemented:
	default:
		return 0, err
	}

	entries, lerr := c.List(".")
	if lerr != nil {
		return 0, lerr
	}
	for _, e := range entries {
		if path.Base(e.Name) == name {
			return int64(e.Size), nil
		}
	}
	return 0, &textproto.Error{Code: ftpFileUnavailable, Msg: name + ": not listed"}
}

// Get downloads id.
func (s *FTPStore) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.session(ctx, "get", id, func(c ftpConn) error {
		r, err := c.Fetch(id)
		if err != nil {
			return err
		}
		defer r.Close()

		data, err = io.ReadAll(r)
		return err
	})
	if ftpCode(err) == ftpFileUnavailable {
		return nil, &store.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes id. A 550 reply for a file that is not listed anymore
// counts as success.
func (s *FTPStore) Delete(ctx context.Context, id string) error {
	return s.session(ctx, "delete", id, func(c ftpConn) error {
		err := c.Delete(id)
		if err == nil || ftpCode(err) != ftpFileUnavailable {
			return err
		}
		// 550 also covers permission problems; only swallow it when the
		// file is really gone.
		if _, serr := remoteSize(c, id); ftpCode(serr) == ftpFileUnavailable {
			return nil
		}
		return err
	})
}

// List returns the names of the regular, non-hidden files in the folder.
func (s *FTPStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.session(ctx, "list", "", func(c ftpConn) error {
		entries, err := c.List(".")
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := path.Base(e.Name)
			if e.Type != ftp.EntryTypeFile || strings.HasPrefix(name, ".") {
				continue
			}
			ids = append(ids, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
