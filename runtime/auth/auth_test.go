package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanDecideActions(t *testing.T) {
	cases := []struct {
		name string
		id   Identity
		want bool
	}{
		{"owner", Identity{UserID: "u1", Role: RoleOwner}, true},
		{"admin", Identity{UserID: "u1", Role: RoleAdmin}, true},
		{"member", Identity{UserID: "u1", Role: RoleMember}, false},
		{"no role", Identity{UserID: "u1"}, false},
		{"service with admin role claim", Identity{Role: RoleAdmin, Service: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.id.CanDecideActions())
		})
	}
}

func TestServiceTokenValid(t *testing.T) {
	require.True(t, ServiceTokenValid("s3cret", "s3cret"))
	require.False(t, ServiceTokenValid("s3cret", "other"))
	require.False(t, ServiceTokenValid("", "s3cret"))
	require.False(t, ServiceTokenValid("s3cret", ""), "an unset service token must reject everything")
}
