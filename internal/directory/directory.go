// Package directory resolves organizations, devices, users, API keys and
// server settings from a YAML file that is reloaded when it changes.
package directory

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"relaybroker/internal/logging"
)

var log = logging.L("directory")

// Settings are the server-wide switches that affect remote control.
type Settings struct {
	AllowAPILogin                       bool `yaml:"allowApiLogin" json:"allowApiLogin"`
	EnableRemoteControlRecording        bool `yaml:"enableRemoteControlRecording" json:"enableRemoteControlRecording"`
	RemoteControlRequiresAuthentication bool `yaml:"remoteControlRequiresAuthentication" json:"remoteControlRequiresAuthentication"`
	RemoteControlNotifyUser             bool `yaml:"remoteControlNotifyUser" json:"remoteControlNotifyUser"`
}

type Organization struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type Device struct {
	ID             string `yaml:"id"`
	OrganizationID string `yaml:"organizationId"`
	Name           string `yaml:"name"`
	DeviceGroupID  string `yaml:"deviceGroupId"`
}

type User struct {
	UserName         string   `yaml:"userName"`
	OrganizationID   string   `yaml:"organizationId"`
	PasswordHash     string   `yaml:"passwordHash"`
	IsAdministrator  bool     `yaml:"isAdministrator"`
	IsServerAdmin    bool     `yaml:"isServerAdmin"`
	TwoFactorEnabled bool     `yaml:"twoFactorEnabled"`
	DeviceGroups     []string `yaml:"deviceGroups"`
}

// APIKey authenticates an external caller on behalf of an organization.
// The secret is stored as a bcrypt hash.
type APIKey struct {
	ID             string `yaml:"id"`
	SecretHash     string `yaml:"secretHash"`
	OrganizationID string `yaml:"organizationId"`
}

// Snapshot is the on-disk shape of the directory file.
type Snapshot struct {
	Settings      Settings       `yaml:"settings"`
	Organizations []Organization `yaml:"organizations"`
	Devices       []Device       `yaml:"devices"`
	Users         []User         `yaml:"users"`
	APIKeys       []APIKey       `yaml:"apiKeys"`
}

type index struct {
	settings Settings
	orgs     map[string]Organization
	devices  map[string]Device
	users    map[string]User
	apiKeys  map[string]APIKey
}

func buildIndex(s Snapshot) (*index, error) {
	idx := &index{
		settings: s.Settings,
		orgs:     make(map[string]Organization, len(s.Organizations)),
		devices:  make(map[string]Device, len(s.Devices)),
		users:    make(map[string]User, len(s.Users)),
		apiKeys:  make(map[string]APIKey, len(s.APIKeys)),
	}
	for _, o := range s.Organizations {
		if o.ID == "" {
			return nil, errors.New("organization with empty id")
		}
		idx.orgs[o.ID] = o
	}
	for _, d := range s.Devices {
		if d.ID == "" {
			return nil, errors.New("device with empty id")
		}
		idx.devices[d.ID] = d
	}
	for _, u := range s.Users {
		if u.UserName == "" {
			return nil, errors.New("user with empty userName")
		}
		idx.users[u.UserName] = u
	}
	for _, k := range s.APIKeys {
		if k.ID == "" {
			return nil, errors.New("api key with empty id")
		}
		idx.apiKeys[k.ID] = k
	}
	return idx, nil
}

// SignInResult is the outcome of a password sign-in.
type SignInResult int

const (
	SignInFailed SignInResult = iota
	SignInSucceeded
	SignInLockedOut
	SignInRequiresTwoFactor
)

func (r SignInResult) String() string {
	switch r {
	case SignInSucceeded:
		return "succeeded"
	case SignInLockedOut:
		return "lockedOut"
	case SignInRequiresTwoFactor:
		return "requiresTwoFactor"
	default:
		return "failed"
	}
}

// Directory is a read-mostly view over the directory file.
type Directory struct {
	path string

	mu  sync.RWMutex
	idx *index

	lockout *lockout
}

// Option configures a Directory.
type Option func(*Directory)

// WithLockout locks an account for duration after maxAttempts consecutive
// failed sign-ins.
func WithLockout(maxAttempts int, duration time.Duration) Option {
	return func(d *Directory) {
		d.lockout = newLockout(maxAttempts, duration)
	}
}

// New creates a directory from an in-memory snapshot.
func New(s Snapshot, opts ...Option) (*Directory, error) {
	idx, err := buildIndex(s)
	if err != nil {
		return nil, err
	}
	d := &Directory{idx: idx, lockout: newLockout(5, 15*time.Minute)}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Load reads the directory from a YAML file.
func Load(path string, opts ...Option) (*Directory, error) {
	s, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}
	d, err := New(s, opts...)
	if err != nil {
		return nil, fmt.Errorf("directory %s: %w", path, err)
	}
	d.path = path
	return d, nil
}

func readSnapshot(path string) (Snapshot, error) {
	var s Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read directory file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse directory file: %w", err)
	}
	return s, nil
}

// Path returns the backing file, or "" for in-memory directories.
func (d *Directory) Path() string { return d.path }

// Reload re-reads the backing file. On error the previous contents stay in
// effect.
func (d *Directory) Reload() error {
	if d.path == "" {
		return nil
	}
	s, err := readSnapshot(d.path)
	if err != nil {
		return err
	}
	idx, err := buildIndex(s)
	if err != nil {
		return fmt.Errorf("directory %s: %w", d.path, err)
	}

	d.mu.Lock()
	d.idx = idx
	d.mu.Unlock()

	log.Info("directory reloaded",
		"devices", len(idx.devices), "users", len(idx.users), "organizations", len(idx.orgs))
	return nil
}

func (d *Directory) current() *index {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.idx
}

func (d *Directory) Settings() Settings {
	return d.current().settings
}

func (d *Directory) Device(id string) (Device, bool) {
	dev, ok := d.current().devices[id]
	return dev, ok
}

func (d *Directory) User(userName string) (User, bool) {
	u, ok := d.current().users[userName]
	return u, ok
}

func (d *Directory) OrganizationName(id string) (string, bool) {
	o, ok := d.current().orgs[id]
	return o.Name, ok
}

// UserHasAccessToDevice reports whether u may remote-control deviceID: the
// device must belong to the user's organization, and unless the user is an
// organization administrator the device must be ungrouped or in one of the
// user's device groups.
func (d *Directory) UserHasAccessToDevice(u User, deviceID string) bool {
	dev, ok := d.Device(deviceID)
	if !ok || dev.OrganizationID != u.OrganizationID {
		return false
	}
	if u.IsAdministrator || dev.DeviceGroupID == "" {
		return true
	}
	return slices.Contains(u.DeviceGroups, dev.DeviceGroupID)
}

// VerifyAPIKey checks an API key secret and returns the organization it
// acts for.
func (d *Directory) VerifyAPIKey(id, secret string) (string, bool) {
	k, ok := d.current().apiKeys[id]
	if !ok {
		return "", false
	}
	if bcrypt.CompareHashAndPassword([]byte(k.SecretHash), []byte(secret)) != nil {
		return "", false
	}
	return k.OrganizationID, true
}

// SignIn verifies a password, applying account lockout. Unknown users fail
// without touching lockout state.
func (d *Directory) SignIn(userName, password string) SignInResult {
	u, ok := d.User(userName)
	if !ok {
		return SignInFailed
	}

	if d.lockout.locked(userName) {
		return SignInLockedOut
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		if d.lockout.fail(userName) {
			log.Warn("account locked after failed sign-ins", "user", userName)
			return SignInLockedOut
		}
		return SignInFailed
	}

	d.lockout.reset(userName)
	if u.TwoFactorEnabled {
		return SignInRequiresTwoFactor
	}
	return SignInSucceeded
}

// HashSecret bcrypt-hashes a password or API key secret for the directory
// file.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
