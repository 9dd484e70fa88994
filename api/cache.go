package api

import (
	"sync"
	"time"

	"github.com/fincrime/mule-signal-service/domain"
	"github.com/jellydator/ttlcache/v3"
)

// AccountProvider serves point reads of precomputed account attributes.
type AccountProvider interface {
	LookupAccount(accountID string) (*domain.Account, error)
	GetStageRun(stage string) (time.Time, error)
}

// AccountCache caches account point reads for a short TTL in front of the
// store. Batch writes land on the store directly, so a cached read may lag by
// at most the TTL, which is fine for risk scoring against batch output.
type AccountCache struct {
	provider AccountProvider
	accounts *ttlcache.Cache[string, *domain.Account]
	lock     sync.Mutex
}

func NewAccountCache(provider AccountProvider, accounts *ttlcache.Cache[string, *domain.Account]) *AccountCache {
	return &AccountCache{
		provider: provider,
		accounts: accounts,
	}
}

func (c *AccountCache) LookupAccount(accountID string) (*domain.Account, error) {
	c.lock.Lock() // lock so that we do not get multiple threads inside the `if`
	defer c.lock.Unlock()

	item := c.accounts.Get(accountID)
	if item == nil {
		account, err := c.provider.LookupAccount(accountID)
		if err != nil {
			return nil, err // not-found and store errors are not cached
		}
		c.accounts.Set(accountID, account, ttlcache.DefaultTTL)
		return account, nil
	}
	return item.Value(), nil
}

func (c *AccountCache) GetStageRun(stage string) (time.Time, error) {
	return c.provider.GetStageRun(stage)
}
