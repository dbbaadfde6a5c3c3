// Package sftpshell runs an SFTP session over an already-pooled transport.
//
// The subsystem channel is opened through the connection's handle
// controller, so SFTP shares the transport with terminals and forwards
// instead of dialling its own. Transfers record their byte offset in the
// persistent store; after a link loss the transfer fails with a channel
// error, and a later Upload or Download given the same transfer id
// continues from the recorded offset once the pool has republished a
// controller.
package sftpshell

import (
	"context"
	"io"
	"log"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/oxterm/termcore/internal/cerr"
	"github.com/oxterm/termcore/internal/sshconn"
	"github.com/oxterm/termcore/internal/store"
)

// progressSaveStride is how many bytes move between progress persists.
const progressSaveStride = 1 << 20

// Direction of a transfer.
type Direction string

const (
	DirUpload   Direction = "upload"
	DirDownload Direction = "download"
)

// Progress is the persisted resume record of one transfer.
type Progress struct {
	TransferID string    `msgpack:"transfer_id"`
	LocalPath  string    `msgpack:"local_path"`
	RemotePath string    `msgpack:"remote_path"`
	Direction  Direction `msgpack:"direction"`
	Offset     int64     `msgpack:"offset"`
	Size       int64     `msgpack:"size"`
	UpdatedAt  time.Time `msgpack:"updated_at"`
}

// ProgressFunc observes transfer progress.
type ProgressFunc func(transferID string, offset, size int64)

// Session is one SFTP session sharing a pooled transport.
type Session struct {
	ID     string
	ConnID string

	mu     sync.Mutex
	client *sftp.Client
	raw    *ssh.Session
	closed bool

	ctrl sshconn.Controller
	st   *store.Store // optional; nil disables resume records
}

// Open starts the sftp subsystem over the connection's controller.
func Open(connID string, ctrl sshconn.Controller, st *store.Store) (*Session, error) {
	raw, err := ctrl.OpenSessionChannel()
	if err != nil {
		return nil, err
	}
	if err := raw.RequestSubsystem("sftp"); err != nil {
		raw.Close()
		return nil, cerr.Wrap(cerr.ChannelError, err, "request sftp subsystem: %v", err)
	}
	stdin, err := raw.StdinPipe()
	if err != nil {
		raw.Close()
		return nil, cerr.Wrap(cerr.ChannelError, err, "sftp stdin pipe: %v", err)
	}
	stdout, err := raw.StdoutPipe()
	if err != nil {
		raw.Close()
		return nil, cerr.Wrap(cerr.ChannelError, err, "sftp stdout pipe: %v", err)
	}
	client, err := sftp.NewClientPipe(stdout, stdin)
	if err != nil {
		raw.Close()
		return nil, cerr.Wrap(cerr.ChannelError, err, "start sftp client: %v", err)
	}

	s := &Session{
		ID:     uuid.NewString(),
		ConnID: connID,
		client: client,
		raw:    raw,
		ctrl:   ctrl,
		st:     st,
	}

	// In-flight operations fail once the transport dies; the session itself
	// must be reopened after reconnect.
	go func() {
		<-ctrl.DisconnectNotify()
		s.Close()
	}()

	log.Printf("[sftp] session %s opened on connection %s", s.ID, connID)
	return s, nil
}

// Close shuts the subsystem channel down. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.Close()
	return s.raw.Close()
}

func (s *Session) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cerr.New(cerr.AlreadyDisconnected, "sftp session is closed")
	}
	return nil
}

// Entry is one remote directory entry.
type Entry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// List returns the entries of a remote directory as a point-in-time
// snapshot.
func (s *Session) List(dir string) ([]Entry, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	infos, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, cerr.Wrap(cerr.ChannelError, err, "list %s: %v", dir, err)
	}
	out := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, Entry{
			Name:    fi.Name(),
			Size:    fi.Size(),
			Mode:    fi.Mode().String(),
			IsDir:   fi.IsDir(),
			ModTime: fi.ModTime(),
		})
	}
	return out, nil
}

// Mkdir creates a remote directory.
func (s *Session) Mkdir(dir string) error {
	if err := s.alive(); err != nil {
		return err
	}
	if err := s.client.MkdirAll(dir); err != nil {
		return cerr.Wrap(cerr.ChannelError, err, "mkdir %s: %v", dir, err)
	}
	return nil
}

// Remove deletes a remote file or empty directory.
func (s *Session) Remove(p string) error {
	if err := s.alive(); err != nil {
		return err
	}
	if err := s.client.Remove(p); err != nil {
		return cerr.Wrap(cerr.ChannelError, err, "remove %s: %v", p, err)
	}
	return nil
}

// Rename moves a remote file.
func (s *Session) Rename(oldPath, newPath string) error {
	if err := s.alive(); err != nil {
		return err
	}
	if err := s.client.Rename(oldPath, newPath); err != nil {
		return cerr.Wrap(cerr.ChannelError, err, "rename %s: %v", oldPath, err)
	}
	return nil
}

// Upload copies a local file to the remote path, resuming from a persisted
// offset when transferID matches an earlier interrupted transfer. Pass an
// empty transferID to start fresh; the id used is returned.
func (s *Session) Upload(ctx context.Context, transferID, localPath, remotePath string, onProgress ProgressFunc) (string, error) {
	if err := s.alive(); err != nil {
		return transferID, err
	}

	local, err := os.Open(localPath)
	if err != nil {
		return transferID, cerr.Wrap(cerr.IoError, err, "open %s: %v", localPath, err)
	}
	defer local.Close()

	fi, err := local.Stat()
	if err != nil {
		return transferID, cerr.Wrap(cerr.IoError, err, "stat %s: %v", localPath, err)
	}
	size := fi.Size()

	prog := s.loadOrCreateProgress(transferID, localPath, remotePath, DirUpload, size)

	flags := os.O_WRONLY | os.O_CREATE
	if prog.Offset == 0 {
		flags |= os.O_TRUNC
	}
	remote, err := s.client.OpenFile(remotePath, flags)
	if err != nil {
		return prog.TransferID, cerr.Wrap(cerr.ChannelError, err, "open remote %s: %v", remotePath, err)
	}
	defer remote.Close()

	if prog.Offset > 0 {
		if _, err := local.Seek(prog.Offset, io.SeekStart); err != nil {
			return prog.TransferID, cerr.Wrap(cerr.IoError, err, "seek %s: %v", localPath, err)
		}
		if _, err := remote.Seek(prog.Offset, io.SeekStart); err != nil {
			return prog.TransferID, cerr.Wrap(cerr.ChannelError, err, "seek remote %s: %v", remotePath, err)
		}
		log.Printf("[sftp] resuming upload %s at offset %d", prog.TransferID, prog.Offset)
	}

	err = s.copyWithProgress(ctx, remote, local, prog, onProgress)
	if err != nil {
		return prog.TransferID, err
	}
	s.clearProgress(prog.TransferID)
	return prog.TransferID, nil
}

// Download copies a remote file to the local path, resuming like Upload.
func (s *Session) Download(ctx context.Context, transferID, remotePath, localPath string, onProgress ProgressFunc) (string, error) {
	if err := s.alive(); err != nil {
		return transferID, err
	}

	remote, err := s.client.Open(remotePath)
	if err != nil {
		return transferID, cerr.Wrap(cerr.ChannelError, err, "open remote %s: %v", remotePath, err)
	}
	defer remote.Close()

	fi, err := remote.Stat()
	if err != nil {
		return transferID, cerr.Wrap(cerr.ChannelError, err, "stat remote %s: %v", remotePath, err)
	}
	size := fi.Size()

	prog := s.loadOrCreateProgress(transferID, localPath, remotePath, DirDownload, size)

	flags := os.O_WRONLY | os.O_CREATE
	if prog.Offset == 0 {
		flags |= os.O_TRUNC
	}
	local, err := os.OpenFile(localPath, flags, 0644)
	if err != nil {
		return prog.TransferID, cerr.Wrap(cerr.IoError, err, "open %s: %v", localPath, err)
	}
	defer local.Close()

	if prog.Offset > 0 {
		if _, err := remote.Seek(prog.Offset, io.SeekStart); err != nil {
			return prog.TransferID, cerr.Wrap(cerr.ChannelError, err, "seek remote %s: %v", remotePath, err)
		}
		if _, err := local.Seek(prog.Offset, io.SeekStart); err != nil {
			return prog.TransferID, cerr.Wrap(cerr.IoError, err, "seek %s: %v", localPath, err)
		}
		log.Printf("[sftp] resuming download %s at offset %d", prog.TransferID, prog.Offset)
	}

	err = s.copyWithProgress(ctx, local, remote, prog, onProgress)
	if err != nil {
		return prog.TransferID, err
	}
	s.clearProgress(prog.TransferID)
	return prog.TransferID, nil
}

// copyWithProgress moves bytes while persisting the offset every stride.
func (s *Session) copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, prog *Progress, onProgress ProgressFunc) error {
	buf := make([]byte, 32*1024)
	lastSaved := prog.Offset

	for {
		select {
		case <-ctx.Done():
			s.saveProgress(prog)
			return cerr.Wrap(cerr.Cancelled, ctx.Err(), "transfer cancelled")
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				s.saveProgress(prog)
				return cerr.Wrap(cerr.ChannelError, werr, "transfer interrupted at offset %d", prog.Offset)
			}
			prog.Offset += int64(n)
			if onProgress != nil {
				onProgress(prog.TransferID, prog.Offset, prog.Size)
			}
			if prog.Offset-lastSaved >= progressSaveStride {
				s.saveProgress(prog)
				lastSaved = prog.Offset
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			s.saveProgress(prog)
			return cerr.Wrap(cerr.ChannelError, rerr, "transfer interrupted at offset %d", prog.Offset)
		}
	}
}

func (s *Session) loadOrCreateProgress(transferID, localPath, remotePath string, dir Direction, size int64) *Progress {
	if transferID != "" && s.st != nil {
		var prog Progress
		if err := s.st.Load(store.BucketTransfers, transferID, &prog); err == nil &&
			prog.LocalPath == localPath && prog.RemotePath == remotePath && prog.Direction == dir {
			return &prog
		}
	}
	if transferID == "" {
		transferID = uuid.NewString()
	}
	return &Progress{
		TransferID: transferID,
		LocalPath:  localPath,
		RemotePath: remotePath,
		Direction:  dir,
		Size:       size,
	}
}

func (s *Session) saveProgress(prog *Progress) {
	if s.st == nil {
		return
	}
	prog.UpdatedAt = time.Now()
	if err := s.st.Save(store.BucketTransfers, prog.TransferID, prog); err != nil {
		log.Printf("[sftp] save progress %s: %v", prog.TransferID, err)
	}
}

func (s *Session) clearProgress(transferID string) {
	if s.st == nil {
		return
	}
	s.st.Delete(store.BucketTransfers, transferID)
}

// RemoteJoin joins remote path elements with forward slashes.
func RemoteJoin(elem ...string) string { return path.Join(elem...) }
