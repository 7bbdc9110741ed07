package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// SFTPConfig holds the SSH settings for sftp:// remotes. Host, port, user and
// password come from the URL when present there.
type SFTPConfig struct {
	Host string
	Port int
	User string

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod

	// Password for password-based authentication
	Password string

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	StrictHostKeyChecking bool

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration
}

// DefaultSFTPConfig returns an SFTPConfig with sensible defaults.
func DefaultSFTPConfig() *SFTPConfig {
	home, _ := os.UserHomeDir()
	return &SFTPConfig{
		Port:                  22,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(home, ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
	}
}

// apply overlays the parts of an sftp:// URL onto a copy of c.
func (c SFTPConfig) apply(u *url.URL) (*SFTPConfig, error) {
	if u.Hostname() != "" {
		c.Host = u.Hostname()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
		c.Port = port
	}
	if u.User != nil {
		c.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.Password = pw
			c.AuthMethod = AuthMethodPassword
		}
	}
	return &c, nil
}

// Validate checks if the configuration is valid.
func (c *SFTPConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			home, _ := os.UserHomeDir()
			for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
				keyPath := filepath.Join(home, ".ssh", name)
				if _, err := os.Stat(keyPath); err == nil {
					c.PrivateKeyPath = keyPath
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	return nil
}

// ClientConfig creates an ssh.ClientConfig from the SFTPConfig.
func (c *SFTPConfig) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		auth = append(auth, ssh.Password(c.Password))
		// Many servers only offer keyboard-interactive for passwords.
		auth = append(auth, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via StrictHostKeyChecking=false
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *SFTPConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SFTPStore is a remote reached over SFTP.
type SFTPStore struct {
	prefix string
	ssh    *ssh.Client
	client *sftp.Client
}

// NewSFTPStore connects to the host in u. base supplies everything the URL
// does not; nil means DefaultSFTPConfig.
func NewSFTPStore(ctx context.Context, u *url.URL, base *SFTPConfig, logger zerolog.Logger) (*SFTPStore, error) {
	if base == nil {
		base = DefaultSFTPConfig()
	}
	cfg, err := base.apply(u)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sftp config: %w", err)
	}
	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}

	address := cfg.Address()
	logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	type dialed struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialed, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		ch <- dialed{client, err}
	}()

	var conn *ssh.Client
	select {
	case <-ctx.Done():
		go func() {
			if d := <-ch; d.client != nil {
				_ = d.client.Close()
			}
		}()
		return nil, fmt.Errorf("failed to connect to %s: %w", address, ctx.Err())
	case d := <-ch:
		if d.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", address, d.err)
		}
		conn = d.client
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	logger.Info().Str("address", address).Msg("SFTP remote connected")
	return &SFTPStore{prefix: u.Path, ssh: conn, client: client}, nil
}

func (s *SFTPStore) path(key string) string {
	return path.Join(s.prefix, key)
}

// List implements Store. SFTP has no cheap content tag, so objects are
// listed without one and recognised by name.
func (s *SFTPStore) List(_ context.Context, dir string) ([]Object, error) {
	infos, err := s.client.ReadDir(s.path(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var objects []Object
	for _, info := range infos {
		if info.Mode().IsRegular() {
			objects = append(objects, Object{Name: info.Name()})
		}
	}
	return objects, nil
}

// Get implements Store.
func (s *SFTPStore) Get(_ context.Context, key string) ([]byte, string, error) {
	f, err := s.client.Open(s.path(key))
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}
	return data, Fingerprint(data), nil
}

// Put implements Store. The object is written under a temporary name and
// renamed into place.
func (s *SFTPStore) Put(_ context.Context, key string, data []byte) (string, error) {
	p := s.path(key)
	if err := s.client.MkdirAll(path.Dir(p)); err != nil {
		return "", fmt.Errorf("failed to create remote directory: %w", err)
	}

	tmp := path.Join(path.Dir(p), "."+path.Base(p)+".tmp")
	f, err := s.client.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.client.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = s.client.Remove(tmp)
		return "", err
	}
	if err := s.client.PosixRename(tmp, p); err != nil {
		_ = s.client.Remove(tmp)
		return "", err
	}
	return Fingerprint(data), nil
}

// Close implements Store.
func (s *SFTPStore) Close() error {
	cerr := s.client.Close()
	serr := s.ssh.Close()
	if cerr != nil {
		return cerr
	}
	return serr
}
