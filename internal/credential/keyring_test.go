package credential

import (
	"fmt"
	"sync"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	s := New(keyring.NewArrayKeyring(nil))

	_, err := s.Password("work")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(PasswordKey("work"), "hunter2"))
	pw, err := s.Password("work")
	require.NoError(t, err)
	require.Equal(t, "hunter2", pw)

	require.NoError(t, s.Delete(PasswordKey("work")))
	require.NoError(t, s.Delete(PasswordKey("work")))

	_, err = s.Get(PasswordKey("work"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKeysAreDistinct(t *testing.T) {
	require.NotEqual(t, PasswordKey("a"), APIKeyKey("a"))
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := New(keyring.NewArrayKeyring(nil))

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			acct := fmt.Sprintf("acct-%d", i%4)
			_ = s.Set(APIKeyKey(acct), "key")
			_, _ = s.Get(APIKeyKey(acct))
			_ = s.Delete(APIKeyKey(acct))
		}()
	}
	wg.Wait()
}
