package account

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/exchange"
	"github.com/web3guy0/futures-engine/internal/models"
)

// Source loads account rows for the registry. The store satisfies it.
type Source interface {
	GetAccount(userID uint, accountID string) (*models.Account, error)
}

// Decryptor turns stored credentials back into API keys. Swappable so tests
// can run with plaintext rows.
type Decryptor func(encrypted string) (string, error)

// Registry maps account handles to exchange clients, building each lazily
// on first use. An injected override always wins over the lazy client, which
// is how tests and paper accounts take over an account id.
type Registry struct {
	mu        sync.RWMutex
	clients   map[string]exchange.Client
	overrides map[string]exchange.Client

	source  Source
	decrypt Decryptor
	testnet bool
	baseURL string
	userID  uint
}

// NewRegistry builds a registry for one user's accounts.
func NewRegistry(source Source, userID uint, testnet bool, baseURL string) *Registry {
	return &Registry{
		clients:   make(map[string]exchange.Client),
		overrides: make(map[string]exchange.Client),
		source:    source,
		decrypt:   func(s string) (string, error) { return s, nil },
		testnet:   testnet,
		baseURL:   baseURL,
		userID:    userID,
	}
}

// SetDecryptor installs the credential decryptor.
func (r *Registry) SetDecryptor(d Decryptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decrypt = d
}

// Override pins a client for accountID. It shadows any lazily built client
// until removed with a nil client.
func (r *Registry) Override(accountID string, client exchange.Client) {
	key := strings.ToLower(accountID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if client == nil {
		delete(r.overrides, key)
		return
	}
	r.overrides[key] = client
	log.Info().Str("account", key).Msg("🔧 Exchange client override installed")
}

// Client returns the exchange client for accountID, constructing it from
// stored credentials on first use.
func (r *Registry) Client(accountID string) (exchange.Client, error) {
	key := strings.ToLower(accountID)

	r.mu.RLock()
	if c, ok := r.overrides[key]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	if c, ok := r.clients[key]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.overrides[key]; ok {
		return c, nil
	}
	if c, ok := r.clients[key]; ok {
		return c, nil
	}

	acct, err := r.source.GetAccount(r.userID, key)
	if err != nil {
		return nil, fmt.Errorf("account %q: %w", key, err)
	}
	if !acct.IsActive {
		return nil, fmt.Errorf("account %q is inactive", key)
	}

	var client exchange.Client
	if acct.PaperTrading {
		balance := acct.PaperBalance
		if balance.IsZero() {
			balance = decimal.NewFromInt(10000)
		}
		feed := exchange.NewRESTClient("", "", acct.Testnet, r.baseURL)
		client = exchange.NewPaperClient(balance, feed)
		log.Info().Str("account", key).Str("balance", balance.StringFixed(2)).Msg("📝 Paper trading client created")
	} else {
		apiKey, err := r.decrypt(acct.APIKeyEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt api key for %q: %w", key, err)
		}
		apiSecret, err := r.decrypt(acct.APISecretEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt api secret for %q: %w", key, err)
		}
		client = exchange.NewRESTClient(apiKey, apiSecret, acct.Testnet || r.testnet, r.baseURL)
		log.Info().Str("account", key).Bool("testnet", acct.Testnet || r.testnet).Msg("🔑 Exchange client created")
	}

	r.clients[key] = client
	return client, nil
}

// Exists reports whether accountID is known (registered or overridden).
// Strategy registration rejects unknown accounts up front.
func (r *Registry) Exists(accountID string) bool {
	key := strings.ToLower(accountID)

	r.mu.RLock()
	_, overridden := r.overrides[key]
	_, cached := r.clients[key]
	r.mu.RUnlock()
	if overridden || cached {
		return true
	}

	_, err := r.source.GetAccount(r.userID, key)
	return err == nil
}

// Evict drops the cached client for accountID so the next Client call
// rebuilds it, e.g. after a credential rotation.
func (r *Registry) Evict(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, strings.ToLower(accountID))
}
