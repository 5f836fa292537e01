package identity

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFromTokenClaimPriority(t *testing.T) {
	cases := []struct {
		name   string
		claims jwt.MapClaims
		want   string
	}{
		{"sub", jwt.MapClaims{"sub": "u1", "userId": "u2"}, "u1"},
		{"userId", jwt.MapClaims{"userId": "u2", "id": "u3"}, "u2"},
		{"numeric id", jwt.MapClaims{"id": float64(42)}, "42"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			id, err := FromToken(sign(t, c.claims))
			if err != nil {
				t.Fatal(err)
			}
			if id.UserID != c.want {
				t.Fatalf("got %q want %q", id.UserID, c.want)
			}
		})
	}
}

func TestFromTokenStripsBearerAndReadsAuthorities(t *testing.T) {
	tok := sign(t, jwt.MapClaims{"sub": "u1", "exp": float64(2000000000), "authorities": []any{"USER", "LANDLORD"}})
	id, err := FromToken("Bearer " + tok)
	if err != nil {
		t.Fatal(err)
	}
	if id.Token != tok {
		t.Fatal("bearer prefix should be stripped from the stored token")
	}
	if id.Expires != 2000000000 {
		t.Fatalf("unexpected expiry %d", id.Expires)
	}
	if len(id.Authorities) != 2 || id.Authorities[1] != "LANDLORD" {
		t.Fatalf("unexpected authorities %v", id.Authorities)
	}
}

func TestFromTokenErrors(t *testing.T) {
	if _, err := FromToken(""); err == nil {
		t.Fatal("empty token must fail")
	}
	if _, err := FromToken("not-a-jwt"); err == nil {
		t.Fatal("garbage must fail")
	}
	if _, err := FromToken(sign(t, jwt.MapClaims{"email": "a@b.c"})); err != ErrNoUserID {
		t.Fatalf("expected ErrNoUserID, got %v", err)
	}
}
