// Package creds verifies and refreshes AWS credentials for a long-running
// listing job. The manager doubles as the credentials provider handed to the
// S3 client, so a successful Refresh re-arms the client without rebuilding it.
package creds

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Refresher is what the orchestrator needs from the credential collaborator.
type Refresher interface {
	Verify(ctx context.Context) error
	Refresh(ctx context.Context) error
}

type identityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Manager loads credentials through the default chain and exposes them as an
// aws.CredentialsProvider. Refresh reloads the chain from scratch, which is
// how expired SSO or assume-role sessions get picked up after the operator
// renews them out of band.
type Manager struct {
	profile string
	region  string

	mu       sync.RWMutex
	delegate aws.CredentialsProvider
	cfg      aws.Config
	sts      identityAPI
}

var _ aws.CredentialsProvider = (*Manager)(nil)

// NewManager loads the initial configuration and verifies it with STS.
func NewManager(ctx context.Context, profile, region string) (*Manager, error) {
	m := &Manager{profile: profile, region: region}
	if err := m.reload(ctx); err != nil {
		return nil, err
	}
	if err := m.Verify(ctx); err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}
	return m, nil
}

// Config returns the loaded aws.Config with this manager installed as the
// credentials provider.
func (m *Manager) Config() aws.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.cfg
	cfg.Credentials = m
	return cfg
}

// Retrieve implements aws.CredentialsProvider by delegating to the most
// recently loaded chain.
func (m *Manager) Retrieve(ctx context.Context) (aws.Credentials, error) {
	m.mu.RLock()
	delegate := m.delegate
	m.mu.RUnlock()
	return delegate.Retrieve(ctx)
}

// Verify tests the current credentials with GetCallerIdentity, which needs
// no special permissions.
func (m *Manager) Verify(ctx context.Context) error {
	m.mu.RLock()
	api := m.sts
	m.mu.RUnlock()

	if _, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return fmt.Errorf("get caller identity: %w", err)
	}
	return nil
}

// Refresh discards the cached chain, reloads the default configuration and
// verifies the result.
func (m *Manager) Refresh(ctx context.Context) error {
	if err := m.reload(ctx); err != nil {
		return err
	}
	return m.Verify(ctx)
}

func (m *Manager) reload(ctx context.Context) error {
	var opts []func(*config.LoadOptions) error
	if m.profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(m.profile))
	}
	if m.region != "" {
		opts = append(opts, config.WithRegion(m.region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	m.mu.Lock()
	m.cfg = cfg
	m.delegate = aws.NewCredentialsCache(cfg.Credentials)
	m.sts = sts.NewFromConfig(cfg)
	m.mu.Unlock()
	return nil
}
