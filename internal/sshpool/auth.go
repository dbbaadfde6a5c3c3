package sshpool

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/oxterm/termcore/internal/cerr"
)

// AuthMethod identifies how a connection authenticates.
type AuthMethod string

const (
	AuthPassword            AuthMethod = "password"
	AuthKey                 AuthMethod = "key"
	AuthCertificate         AuthMethod = "certificate"
	AuthAgent               AuthMethod = "agent"
	AuthKeyboardInteractive AuthMethod = "keyboard-interactive"
)

// AuthSpec carries the credentials for one auth method. Only the fields for
// the selected method are consulted.
type AuthSpec struct {
	Method     AuthMethod
	Password   string
	KeyPath    string
	Passphrase string
	CertPath   string // OpenSSH certificate alongside KeyPath
	AgentSock  string // defaults to $SSH_AUTH_SOCK
}

// Config identifies a connection endpoint and how to authenticate to it.
type Config struct {
	Host string
	Port int
	User string
	Auth AuthSpec
}

// Addr returns the dialable host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Fingerprint summarises (host, port, user, auth) for reuse matching and
// display. It never includes the raw secret.
func (c Config) Fingerprint() string {
	return fmt.Sprintf("%s@%s:%d/%s", c.User, c.Host, c.Port, c.Auth.Method)
}

// compatible reports whether two auth specs may share a transport: same
// secret for password, same key path for key/certificate, agent with agent.
func (a AuthSpec) compatible(b AuthSpec) bool {
	if a.Method != b.Method {
		return false
	}
	switch a.Method {
	case AuthPassword:
		return a.Password == b.Password
	case AuthKey, AuthCertificate:
		return a.KeyPath == b.KeyPath
	case AuthAgent:
		return true
	default:
		// Keyboard-interactive transcripts are not replayable; never reuse
		// across requests.
		return false
	}
}

// matches reports whether an existing entry's config satisfies a request.
func (c Config) matches(req Config) bool {
	return c.Host == req.Host && c.Port == req.Port && c.User == req.User &&
		c.Auth.compatible(req.Auth)
}

// buildAuthMethods translates an AuthSpec into x/crypto/ssh auth methods.
func buildAuthMethods(spec AuthSpec) ([]ssh.AuthMethod, error) {
	switch spec.Method {
	case AuthPassword:
		return []ssh.AuthMethod{ssh.Password(spec.Password)}, nil

	case AuthKey:
		signer, err := loadSigner(spec.KeyPath, spec.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthCertificate:
		signer, err := loadSigner(spec.KeyPath, spec.Passphrase)
		if err != nil {
			return nil, err
		}
		certData, err := os.ReadFile(spec.CertPath)
		if err != nil {
			return nil, cerr.Wrap(cerr.IoError, err, "read certificate %s", spec.CertPath)
		}
		pub, _, _, _, err := ssh.ParseAuthorizedKey(certData)
		if err != nil {
			return nil, cerr.Wrap(cerr.AuthFailed, err, "parse certificate: %v", err)
		}
		cert, ok := pub.(*ssh.Certificate)
		if !ok {
			return nil, cerr.New(cerr.AuthFailed, "%s is not an OpenSSH certificate", spec.CertPath)
		}
		certSigner, err := ssh.NewCertSigner(cert, signer)
		if err != nil {
			return nil, cerr.Wrap(cerr.AuthFailed, err, "bind certificate to key: %v", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(certSigner)}, nil

	case AuthAgent:
		sock := spec.AgentSock
		if sock == "" {
			sock = os.Getenv("SSH_AUTH_SOCK")
		}
		if sock == "" {
			return nil, cerr.New(cerr.AuthFailed, "no SSH agent socket available")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, cerr.Wrap(cerr.AuthFailed, err, "connect to SSH agent: %v", err)
		}
		ag := agent.NewClient(conn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, nil

	case AuthKeyboardInteractive:
		// Keyboard-interactive must round-trip prompts to the UI and so uses
		// DialKeyboardInteractive, not the pool's connect path.
		return nil, cerr.New(cerr.AuthFailed, "keyboard-interactive requires the interactive connect path")

	default:
		return nil, cerr.New(cerr.AuthFailed, "unknown auth method %q", spec.Method)
	}
}

func loadSigner(keyPath, passphrase string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, cerr.Wrap(cerr.IoError, err, "read private key %s", keyPath)
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, cerr.Wrap(cerr.AuthFailed, err, "parse private key: %v", err)
	}
	return signer, nil
}

// classifyDialError folds a dial/handshake error into the taxonomy.
func classifyDialError(err error) error {
	if err == nil {
		return nil
	}
	var ce *cerr.Error
	if errors.As(err, &ce) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return cerr.Wrap(cerr.AuthFailed, err, "authentication rejected: %v", err)
	}
	return cerr.Wrap(cerr.ConnectionFailed, err, "connection failed: %v", err)
}
