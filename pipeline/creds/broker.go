// Package creds exchanges the orchestrator's workload identity for
// short-lived, role-scoped credentials. Execution contexts never see
// a long-lived static secret: each acquisition gets its own lease and
// the lease is revoked when the context is released.
package creds

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"

	"windlass.sh/core/pipeline/models"
)

const (
	tokenTTL   = "10m"
	renewEvery = 5 * time.Minute
)

type Broker struct {
	client    *vault.Client
	mountPath string
	roleID    string
	secretID  string
	stopCh    chan struct{}
	tokenMu   sync.RWMutex
	logger    *slog.Logger
}

var _ models.CredentialSource = (*Broker)(nil)

type BrokerOpt func(*Broker)

func WithMountPath(mountPath string) BrokerOpt {
	return func(b *Broker) {
		b.mountPath = mountPath
	}
}

func NewBroker(address, roleID, secretID string, logger *slog.Logger, opts ...BrokerOpt) (*Broker, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if roleID == "" {
		return nil, fmt.Errorf("role_id cannot be empty")
	}
	if secretID == "" {
		return nil, fmt.Errorf("secret_id cannot be empty")
	}

	config := vault.DefaultConfig()
	config.Address = address

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	err = authenticateAppRole(client, roleID, secretID)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with AppRole: %w", err)
	}

	broker := &Broker{
		client:    client,
		mountPath: "windlass",
		roleID:    roleID,
		secretID:  secretID,
		stopCh:    make(chan struct{}),
		logger:    logger,
	}

	for _, opt := range opts {
		opt(broker)
	}

	go broker.tokenRenewalLoop()

	return broker, nil
}

func authenticateAppRole(client *vault.Client, roleID, secretID string) error {
	authData := map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	}

	resp, err := client.Logical().Write("auth/approle/login", authData)
	if err != nil {
		return fmt.Errorf("failed to login with AppRole: %w", err)
	}

	if resp == nil || resp.Auth == nil {
		return fmt.Errorf("no auth info returned from AppRole login")
	}

	client.SetToken(resp.Auth.ClientToken)
	return nil
}

// Issue creates a short-lived child token restricted to the policy of
// one role, plus whatever role-specific material (registry user,
// source-control identity) is stored under the broker's KV mount.
// Failure here is fatal for the run and is never retried within it.
func (b *Broker) Issue(ctx context.Context, role string) (models.Credential, error) {
	b.tokenMu.RLock()
	defer b.tokenMu.RUnlock()

	secret, err := b.client.Auth().Token().CreateWithContext(ctx, &vault.TokenCreateRequest{
		Policies:        []string{"windlass-" + role},
		TTL:             tokenTTL,
		ExplicitMaxTTL:  tokenTTL,
		Renewable:       boolPtr(false),
		NoDefaultPolicy: true,
		NoParent:        true,
	})
	if err != nil {
		return models.Credential{}, fmt.Errorf("issuing token for role %q: %w", role, err)
	}
	if secret == nil || secret.Auth == nil {
		return models.Credential{}, fmt.Errorf("no token returned for role %q", role)
	}

	cred := models.Credential{
		Token:   secret.Auth.ClientToken,
		LeaseID: secret.Auth.ClientToken,
		Env:     map[string]string{},
	}

	kv, err := b.client.Logical().ReadWithContext(ctx, path.Join(b.mountPath, "data", "roles", role))
	if err != nil {
		return models.Credential{}, fmt.Errorf("reading role material for %q: %w", role, err)
	}
	if kv != nil {
		if data, ok := kv.Data["data"].(map[string]interface{}); ok {
			for k, v := range data {
				if s, ok := v.(string); ok {
					cred.Env[k] = s
				}
			}
		}
	}

	b.logger.Info("issued credential", "role", role, "ttl", tokenTTL)
	return cred, nil
}

// Revoke invalidates an issued credential. Contexts call this on
// release, so a credential never outlives the stage that used it.
func (b *Broker) Revoke(ctx context.Context, leaseID string) error {
	b.tokenMu.RLock()
	defer b.tokenMu.RUnlock()

	err := b.client.Auth().Token().RevokeTreeWithContext(ctx, leaseID)
	if err != nil {
		return fmt.Errorf("revoking credential: %w", err)
	}
	return nil
}

// Stop stops the token renewal goroutine.
func (b *Broker) Stop() {
	close(b.stopCh)
}

func (b *Broker) tokenRenewalLoop() {
	ticker := time.NewTicker(renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.tokenMu.Lock()
			err := authenticateAppRole(b.client, b.roleID, b.secretID)
			b.tokenMu.Unlock()
			if err != nil {
				b.logger.Error("failed to re-authenticate with vault", "error", err)
			}
		case <-b.stopCh:
			return
		}
	}
}

func boolPtr(b bool) *bool {
	return &b
}
