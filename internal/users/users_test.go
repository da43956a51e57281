package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	u, err := svc.Register(ctx, " Asha@Example.com ", "Asha Rao")
	require.NoError(t, err)
	assert.Contains(t, u.ID, "usr_")
	assert.Equal(t, "asha@example.com", u.Email)

	email, err := svc.Email(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "asha@example.com", email)

	_, err = svc.Register(ctx, "ASHA@example.com", "Someone Else")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegister_Validation(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		email string
		uname string
		want  error
	}{
		{"empty email", "", "A", ErrInvalidEmail},
		{"display name form", "Asha <asha@example.com>", "A", ErrInvalidEmail},
		{"no at", "asha.example.com", "A", ErrInvalidEmail},
		{"blank name", "a@example.com", "   ", ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.email, tt.uname)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEmail_UnknownUser(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	_, err := svc.Email(context.Background(), "usr_missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryStore_GetByEmailReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &User{ID: "usr_1", Email: "a@example.com", Name: "A"}))

	u, err := s.GetByEmail(ctx, "A@EXAMPLE.COM")
	require.NoError(t, err)
	u.Name = "changed"

	again, err := s.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, "A", again.Name)
}

func TestDelete_FreesEmail(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	u, err := svc.Register(ctx, "asha@example.com", "Asha Rao")
	require.NoError(t, err)

	gone, err := svc.Delete(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Asha Rao", gone.Name)

	_, err = svc.Get(ctx, u.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = svc.Delete(ctx, u.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)

	// The address can be registered again.
	_, err = svc.Register(ctx, "asha@example.com", "Asha Rao")
	assert.NoError(t, err)
}
