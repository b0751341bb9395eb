package realm

import (
	"context"
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // required by CRAM-MD5/APOP/DIGEST-MD5 wire formats
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// scramIterations is the PBKDF2 iteration count used when deriving SCRAM
// verifiers for accounts registered in the in-memory realm.
const scramIterations = 4096

// account holds everything the in-memory realm needs to answer every
// Realm method for one user, derived once from the plaintext password at
// registration time.
type account struct {
	password string
	roles    map[string]bool
	scram    SCRAMCreds
}

// MemoryRealm is a reference, in-process Realm implementation backed by a
// map. It exists to exercise the IMAP/POP3 engines' authentication paths
// end to end without an external identity service; production deployments
// supply their own Realm.
type MemoryRealm struct {
	mu       sync.RWMutex
	accounts map[string]*account
	realm    string
}

// NewMemoryRealm creates an empty in-memory realm. realmName is the RFC
// 2831 digest-realm value used for DIGEST-MD5 HA1 computation.
func NewMemoryRealm(realmName string) *MemoryRealm {
	return &MemoryRealm{
		accounts: make(map[string]*account),
		realm:    realmName,
	}
}

// AddUser registers user with the given plaintext password and roles,
// deriving all stored credential material (SCRAM verifier included).
func (r *MemoryRealm) AddUser(user, password string, roles ...string) {
	roleSet := make(map[string]bool, len(roles))
	for _, role := range roles {
		roleSet[role] = true
	}

	salt := make([]byte, 16)
	_, _ = rand.Read(salt)
	saltedPassword := pbkdf2.Key([]byte(password), salt, scramIterations, sha256.Size, sha256.New)

	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[user] = &account{
		password: password,
		roles:    roleSet,
		scram: SCRAMCreds{
			Salt:       salt,
			Iterations: scramIterations,
			StoredKey:  storedKey[:],
			ServerKey:  serverKey,
		},
	}
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (r *MemoryRealm) lookup(user string) (*account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[user]
	return acc, ok
}

// PasswordMatch implements Realm.
func (r *MemoryRealm) PasswordMatch(_ context.Context, user, plaintext string) (bool, error) {
	acc, ok := r.lookup(user)
	if !ok {
		return false, nil
	}
	return acc.password == plaintext, nil
}

// UserExists implements Realm.
func (r *MemoryRealm) UserExists(_ context.Context, user string) (bool, error) {
	_, ok := r.lookup(user)
	return ok, nil
}

// CRAMMD5Response implements Realm.
func (r *MemoryRealm) CRAMMD5Response(_ context.Context, user string, challenge []byte) (string, error) {
	acc, ok := r.lookup(user)
	if !ok {
		return "", ErrNoSuchUser
	}
	mac := hmac.New(md5.New, []byte(acc.password))
	mac.Write(challenge)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// DigestHA1 implements Realm.
func (r *MemoryRealm) DigestHA1(_ context.Context, user, realmName string) (string, error) {
	acc, ok := r.lookup(user)
	if !ok {
		return "", ErrNoSuchUser
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s:%s", user, realmName, acc.password)))
	return hex.EncodeToString(sum[:]), nil
}

// SCRAMCredentials implements Realm.
func (r *MemoryRealm) SCRAMCredentials(_ context.Context, user string) (SCRAMCreds, error) {
	acc, ok := r.lookup(user)
	if !ok {
		return SCRAMCreds{}, ErrNoSuchUser
	}
	return acc.scram, nil
}

// ValidateBearerToken implements Realm. The in-memory realm accepts
// tokens of the form "user:password" as a stand-in for a real OAuth
// token introspection call.
func (r *MemoryRealm) ValidateBearerToken(ctx context.Context, token string) (string, bool, error) {
	for i := 0; i < len(token); i++ {
		if token[i] != ':' {
			continue
		}
		user, pass := token[:i], token[i+1:]
		ok, err := r.PasswordMatch(ctx, user, pass)
		if err != nil || !ok {
			return "", false, err
		}
		return user, true, nil
	}
	return "", false, nil
}

// APOPResponse implements Realm.
func (r *MemoryRealm) APOPResponse(_ context.Context, user, timestamp string) (string, error) {
	acc, ok := r.lookup(user)
	if !ok {
		return "", ErrNoSuchUser
	}
	sum := md5.Sum([]byte(timestamp + acc.password))
	return hex.EncodeToString(sum[:]), nil
}

// IsUserInRole implements Realm.
func (r *MemoryRealm) IsUserInRole(_ context.Context, user, role string) (bool, error) {
	acc, ok := r.lookup(user)
	if !ok {
		return false, nil
	}
	return acc.roles[role], nil
}

// SupportedSASLMechanisms implements Realm. The in-memory realm retains
// plaintext passwords, so it can back every mechanism in spec.md's table.
func (r *MemoryRealm) SupportedSASLMechanisms() []string {
	return []string{"PLAIN", "LOGIN", "CRAM-MD5", "DIGEST-MD5", "SCRAM-SHA-256", "OAUTHBEARER", "EXTERNAL", "NTLM"}
}
