// Package testutil provides helpers for tests that need signed grants.
package testutil

import (
	"testing"
	"time"

	"github.com/erebus-sh/erebus/pkg/auth"
)

// GrantKit bundles a signer/verifier pair for tests.
type GrantKit struct {
	Signer   *auth.Signer
	Verifier *auth.Verifier
}

// NewGrantKit generates a fresh Ed25519 pair.
func NewGrantKit(t *testing.T) *GrantKit {
	t.Helper()
	pub, priv, err := auth.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	signer, err := auth.NewSigner(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := auth.NewVerifier(pub)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return &GrantKit{Signer: signer, Verifier: verifier}
}

// MintGrant signs a grant valid for an hour unless the grant sets its own
// expiry.
func (k *GrantKit) MintGrant(t *testing.T, grant *auth.Grant) string {
	t.Helper()
	if grant.IssuedAt.IsZero() {
		grant.IssuedAt = time.Now().Truncate(time.Second)
	}
	if grant.ExpiresAt.IsZero() {
		grant.ExpiresAt = grant.IssuedAt.Add(time.Hour)
	}
	token, err := k.Signer.Sign(grant)
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}
	return token
}

// SimpleGrant builds a grant for one channel and topic set.
func SimpleGrant(projectID, channel, userID string, topics ...auth.TopicGrant) *auth.Grant {
	return &auth.Grant{
		ProjectID: projectID,
		Channel:   channel,
		UserID:    userID,
		Topics:    topics,
	}
}
