package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	// MinCost keeps the tests fast.
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func testSnapshot(t *testing.T) Snapshot {
	return Snapshot{
		Settings: Settings{AllowAPILogin: true},
		Organizations: []Organization{
			{ID: "O1", Name: "Org One"},
			{ID: "O2", Name: "Org Two"},
		},
		Devices: []Device{
			{ID: "D1", OrganizationID: "O1", Name: "host-1"},
			{ID: "D2", OrganizationID: "O1", Name: "host-2", DeviceGroupID: "G1"},
			{ID: "D3", OrganizationID: "O2", Name: "host-3"},
		},
		Users: []User{
			{UserName: "admin@o1", OrganizationID: "O1", IsAdministrator: true, PasswordHash: mustHash(t, "pw")},
			{UserName: "tech@o1", OrganizationID: "O1", DeviceGroups: []string{"G1"}, PasswordHash: mustHash(t, "pw")},
			{UserName: "plain@o1", OrganizationID: "O1", PasswordHash: mustHash(t, "pw")},
			{UserName: "2fa@o1", OrganizationID: "O1", TwoFactorEnabled: true, PasswordHash: mustHash(t, "pw")},
		},
		APIKeys: []APIKey{
			{ID: "key1", OrganizationID: "O1", SecretHash: mustHash(t, "s3cret")},
		},
	}
}

func TestNew_RejectsEmptyIDs(t *testing.T) {
	_, err := New(Snapshot{Devices: []Device{{Name: "nameless"}}})
	assert.Error(t, err)
}

func TestUserHasAccessToDevice(t *testing.T) {
	d, err := New(testSnapshot(t))
	require.NoError(t, err)

	admin, _ := d.User("admin@o1")
	tech, _ := d.User("tech@o1")
	plain, _ := d.User("plain@o1")

	assert.True(t, d.UserHasAccessToDevice(admin, "D2"))
	assert.True(t, d.UserHasAccessToDevice(tech, "D2"))
	assert.False(t, d.UserHasAccessToDevice(plain, "D2"))
	assert.True(t, d.UserHasAccessToDevice(plain, "D1"))

	// Other organization and unknown device.
	assert.False(t, d.UserHasAccessToDevice(admin, "D3"))
	assert.False(t, d.UserHasAccessToDevice(admin, "missing"))
}

func TestVerifyAPIKey(t *testing.T) {
	d, err := New(testSnapshot(t))
	require.NoError(t, err)

	org, ok := d.VerifyAPIKey("key1", "s3cret")
	assert.True(t, ok)
	assert.Equal(t, "O1", org)

	_, ok = d.VerifyAPIKey("key1", "wrong")
	assert.False(t, ok)
	_, ok = d.VerifyAPIKey("nokey", "s3cret")
	assert.False(t, ok)
}

func TestSignIn(t *testing.T) {
	d, err := New(testSnapshot(t), WithLockout(3, time.Minute))
	require.NoError(t, err)

	assert.Equal(t, SignInSucceeded, d.SignIn("plain@o1", "pw"))
	assert.Equal(t, SignInRequiresTwoFactor, d.SignIn("2fa@o1", "pw"))
	assert.Equal(t, SignInFailed, d.SignIn("nobody", "pw"))
	assert.Equal(t, SignInFailed, d.SignIn("plain@o1", "bad"))
}

func TestSignIn_Lockout(t *testing.T) {
	d, err := New(testSnapshot(t), WithLockout(2, time.Minute))
	require.NoError(t, err)

	now := time.Now()
	d.lockout.now = func() time.Time { return now }

	assert.Equal(t, SignInFailed, d.SignIn("plain@o1", "bad"))
	assert.Equal(t, SignInLockedOut, d.SignIn("plain@o1", "bad"))
	// Correct password is still refused while locked.
	assert.Equal(t, SignInLockedOut, d.SignIn("plain@o1", "pw"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, SignInSucceeded, d.SignIn("plain@o1", "pw"))
}

func TestSignInResult_String(t *testing.T) {
	assert.Equal(t, "lockedOut", SignInLockedOut.String())
	assert.Equal(t, "failed", SignInFailed.String())
}

const fileBody = `
settings:
  allowApiLogin: true
  enableRemoteControlRecording: true
organizations:
  - id: O1
    name: Org One
devices:
  - id: D1
    organizationId: O1
    name: host-1
`

func TestLoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fileBody), 0o600))

	d, err := Load(path)
	require.NoError(t, err)
	assert.True(t, d.Settings().EnableRemoteControlRecording)
	name, ok := d.OrganizationName("O1")
	assert.True(t, ok)
	assert.Equal(t, "Org One", name)

	updated := fileBody + `  - id: D2
    organizationId: O1
    name: host-2
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	require.NoError(t, d.Reload())
	_, ok = d.Device("D2")
	assert.True(t, ok)

	// A broken file keeps the previous contents.
	require.NoError(t, os.WriteFile(path, []byte("devices: [oops"), 0o600))
	assert.Error(t, d.Reload())
	_, ok = d.Device("D2")
	assert.True(t, ok)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fileBody), 0o600))

	d, err := Load(path)
	require.NoError(t, err)

	reloaded := make(chan error, 4)
	w := NewWatcher(d, func(err error) { reloaded <- err })
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give fsnotify a moment to register the watch.
	time.Sleep(50 * time.Millisecond)
	updated := fileBody + `  - id: D9
    organizationId: O1
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case err := <-reloaded:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload")
	}
	_, ok := d.Device("D9")
	assert.True(t, ok)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatcher_InMemory(t *testing.T) {
	d, err := New(Snapshot{})
	require.NoError(t, err)
	assert.Error(t, NewWatcher(d, nil).Run(context.Background()))
}
