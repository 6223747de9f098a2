package keys

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"clipvault/pkg/domain"
	"clipvault/pkg/envelope"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/google/uuid"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

var (
	ErrKeyNotFound         = errors.New("key not found in secret store")
	ErrProviderUnavailable = errors.New("secret store provider unavailable")
)

// Provider is a durable home for the single clip-encryption key.
type Provider interface {
	FetchKey(ctx context.Context) ([]byte, error)
	StoreKey(ctx context.Context, key []byte) error
	Name() string
}

// Adapter resolves the process-wide encryption key through a provider
// chain: Vault or AWS when configured, a local owner-only key file
// otherwise. The key is fetched once and cached for the adapter lifetime.
type Adapter struct {
	provider Provider

	mu          sync.RWMutex
	key         []byte
	unpersisted bool

	group singleflight.Group
}

func NewAdapter(ctx context.Context, keyFilePath string) (*Adapter, error) {
	var provider Provider
	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		if vp, err := newVaultProvider(ctx); err == nil {
			provider = vp
		}
	}
	if provider == nil {
		if awsRegion := os.Getenv("AWS_REGION"); awsRegion != "" {
			if ap, err := newAWSProvider(ctx); err == nil {
				provider = ap
			}
		}
	}
	if provider == nil {
		if keyFilePath == "" {
			return nil, errors.New("no secret store provider available and no key file path configured")
		}
		provider = &fileProvider{path: keyFilePath}
	}
	return &Adapter{provider: provider}, nil
}

// GetOrCreateKey returns the 256-bit clip key, generating and persisting a
// fresh one on first use. If persisting a fresh key fails the key is kept in
// memory only, so a secret-store hiccup degrades durability instead of
// refusing to start.
func (a *Adapter) GetOrCreateKey(ctx context.Context) ([]byte, error) {
	a.mu.RLock()
	if a.key != nil {
		key := copyKey(a.key)
		a.mu.RUnlock()
		return key, nil
	}
	a.mu.RUnlock()

	result, err, _ := a.group.Do("clip-key", func() (interface{}, error) {
		a.mu.RLock()
		if a.key != nil {
			key := copyKey(a.key)
			a.mu.RUnlock()
			return key, nil
		}
		a.mu.RUnlock()

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		key, err := a.provider.FetchKey(fetchCtx)
		if err == nil {
			if len(key) != envelope.KeySize {
				return nil, errors.Wrapf(domain.ErrKeyUnavailable,
					"provider %s returned %d-byte key", a.provider.Name(), len(key))
			}
			a.mu.Lock()
			a.key = copyKey(key)
			a.mu.Unlock()
			return key, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return nil, errors.Wrapf(domain.ErrKeyUnavailable, "fetch key from %s: %v", a.provider.Name(), err)
		}

		key, err = envelope.GenerateKey()
		if err != nil {
			return nil, errors.Wrap(domain.ErrKeyUnavailable, err.Error())
		}
		unpersisted := false
		if storeErr := a.provider.StoreKey(fetchCtx, key); storeErr != nil {
			unpersisted = true
		}
		a.mu.Lock()
		a.key = copyKey(key)
		a.unpersisted = unpersisted
		a.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Unpersisted reports whether the current key only exists in memory.
func (a *Adapter) Unpersisted() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.unpersisted
}

func (a *Adapter) ProviderName() string {
	return a.provider.Name()
}

// Wipe zeroes the cached key.
func (a *Adapter) Wipe() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.key {
		a.key[i] = 0
	}
	a.key = nil
}

func copyKey(key []byte) []byte {
	out := make([]byte, len(key))
	copy(out, key)
	return out
}

// keyFile is the on-disk format of the local provider.
type keyFile struct {
	KeyID     string    `json:"key_id"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

type fileProvider struct {
	path string
}

func (f *fileProvider) Name() string { return "file" }

func (f *fileProvider) FetchKey(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		// A missing file or missing parent directory both mean no key yet.
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
			return nil, ErrKeyNotFound
		}
		return nil, errors.Wrap(err, "read key file")
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, errors.Wrap(err, "parse key file")
	}
	key, err := base64.StdEncoding.DecodeString(kf.Key)
	if err != nil {
		return nil, errors.Wrap(err, "decode key material")
	}
	return key, nil
}

func (f *fileProvider) StoreKey(ctx context.Context, key []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "create key dir")
	}
	kf := keyFile{
		KeyID:     uuid.New().String(),
		Key:       base64.StdEncoding.EncodeToString(key),
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&kf)
	if err != nil {
		return errors.Wrap(err, "marshal key file")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write key file")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "rename key file")
	}
	return nil
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/clipvault/clip-key"),
	}, nil
}

func (v *vaultProvider) Name() string { return "vault" }

func (v *vaultProvider) FetchKey(ctx context.Context) ([]byte, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrKeyNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, errors.New("vault: invalid secret format")
	}
	keyB64, ok := data["key"].(string)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return base64.StdEncoding.DecodeString(keyB64)
}

func (v *vaultProvider) StoreKey(ctx context.Context, key []byte) error {
	_, err := v.client.Logical().WriteWithContext(ctx, v.secretPath, map[string]interface{}{
		"data": map[string]interface{}{
			"key": base64.StdEncoding.EncodeToString(key),
		},
	})
	return err
}

type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
	keyID     string
	secretID  string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(os.Getenv("AWS_REGION")),
	)
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(cfg),
		smClient:  secretsmanager.NewFromConfig(cfg),
		keyID:     getEnvOrDefault("KMS_MASTER_KEY_ID", "alias/clipvault-master"),
		secretID:  getEnvOrDefault("CLIP_KEY_SECRET_ID", "clipvault/clip-key"),
	}, nil
}

func (a *awsProvider) Name() string { return "aws" }

// FetchKey reads the KMS-wrapped clip key from Secrets Manager and unwraps it.
func (a *awsProvider) FetchKey(ctx context.Context) ([]byte, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &a.secretID,
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get secret %s: %w", a.secretID, err)
	}
	if result.SecretString == nil {
		return nil, errors.New("secret is binary, not string")
	}
	wrapped, err := base64.StdEncoding.DecodeString(*result.SecretString)
	if err != nil {
		return nil, errors.Wrap(err, "decode wrapped key")
	}
	out, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt failed: %w", err)
	}
	return out.Plaintext, nil
}

func (a *awsProvider) StoreKey(ctx context.Context, key []byte) error {
	out, err := a.kmsClient.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &a.keyID,
		Plaintext: key,
	})
	if err != nil {
		return fmt.Errorf("aws kms encrypt failed: %w", err)
	}
	wrapped := base64.StdEncoding.EncodeToString(out.CiphertextBlob)
	_, err = a.smClient.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         &a.secretID,
		SecretString: &wrapped,
	})
	if err != nil {
		var exists *smtypes.ResourceExistsException
		if errors.As(err, &exists) {
			_, err = a.smClient.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
				SecretId:     &a.secretID,
				SecretString: &wrapped,
			})
		}
	}
	return err
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
