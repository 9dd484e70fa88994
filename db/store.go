package db

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fincrime/mule-signal-service/domain"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("store resource not found")

const accountKeyPrefix = "acct:"
const edgeKeyPrefix = "edge:"
const reverseEdgeKeyPrefix = "redge:"
const stageRunKeyPrefix = "run:"
const edgeKeySeparator = "|"

// PebbleStore is the graph store adapter. It holds the materialized account
// and transaction-edge records and the precomputed per-account risk
// attributes. Edges are stored aggregated per directed pair, with a mirrored
// reverse key so that the edges incident to one account can be read with two
// prefix scans instead of a full sweep.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex // serializes read-modify-write of account records
}

func NewPebbleStore(storeDir string) (*PebbleStore, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "mule-signal-store"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}
	return &PebbleStore{db: db}, nil
}

func (ps *PebbleStore) PutAccount(account domain.Account) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.putAccount(account)
}

func (ps *PebbleStore) putAccount(account domain.Account) error {
	value, err := encode(account)
	if err != nil {
		return errors.Wrapf(err, "encoding account [%s]", account.AccountNumber)
	}
	err = ps.db.Set([]byte(accountKeyPrefix+account.AccountNumber), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "storing account [%s]", account.AccountNumber)
	}
	return nil
}

// LookupAccount returns the stored account record or ErrNotFound.
func (ps *PebbleStore) LookupAccount(accountID string) (*domain.Account, error) {
	value, closer, err := ps.db.Get([]byte(accountKeyPrefix + accountID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting account [%s]", accountID)
	}
	defer closer.Close()

	var account domain.Account
	if err := decode(value, &account); err != nil {
		return nil, errors.Wrapf(err, "decoding account [%s]", accountID)
	}
	return &account, nil
}

func (ps *PebbleStore) ReadAccounts() ([]domain.Account, error) {
	iter, err := ps.db.NewIter(prefixBounds(accountKeyPrefix))
	if err != nil {
		return nil, errors.Wrap(err, "creating account iterator")
	}
	defer iter.Close()

	var accounts []domain.Account
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}
		var account domain.Account
		if err := decode(value, &account); err != nil {
			return nil, errors.Wrapf(err, "decoding account record [%s]", iter.Key())
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// PutTransaction aggregates one transaction into the directed edge record for
// the pair and its reverse mirror. Account ids must not contain the edge key
// separator, it would corrupt the keyspace.
func (ps *PebbleStore) PutTransaction(source, target string, amount float64, timestamp time.Time) error {
	if strings.Contains(source, edgeKeySeparator) || strings.Contains(target, edgeKeySeparator) {
		return errors.Errorf("invalid account id in edge [%s]->[%s]", source, target)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	edge, err := ps.readEdge(edgeKeyPrefix + source + edgeKeySeparator + target)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if edge == nil {
		edge = &domain.EdgeRecord{SourceAccount: source, TargetAccount: target}
	}
	edge.Count++
	edge.TotalAmount += amount
	if timestamp.After(edge.LastTimestamp) {
		edge.LastTimestamp = timestamp
	}

	value, err := encode(*edge)
	if err != nil {
		return errors.Wrapf(err, "encoding edge [%s]->[%s]", source, target)
	}
	batch := ps.db.NewBatch()
	if err := batch.Set([]byte(edgeKeyPrefix+source+edgeKeySeparator+target), value, nil); err != nil {
		return errors.Wrap(err, "staging edge record")
	}
	if err := batch.Set([]byte(reverseEdgeKeyPrefix+target+edgeKeySeparator+source), value, nil); err != nil {
		return errors.Wrap(err, "staging reverse edge record")
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "storing edge [%s]->[%s]", source, target)
	}
	return nil
}

// ReadTransactions returns all aggregated edge records.
func (ps *PebbleStore) ReadTransactions() ([]domain.EdgeRecord, error) {
	return ps.readEdges(edgeKeyPrefix)
}

// ReadTransactionsFor returns the edge records incident to one account, in
// either direction.
func (ps *PebbleStore) ReadTransactionsFor(accountID string) ([]domain.EdgeRecord, error) {
	outgoing, err := ps.readEdges(edgeKeyPrefix + accountID + edgeKeySeparator)
	if err != nil {
		return nil, err
	}
	incoming, err := ps.readEdges(reverseEdgeKeyPrefix + accountID + edgeKeySeparator)
	if err != nil {
		return nil, err
	}
	return append(outgoing, incoming...), nil
}

func (ps *PebbleStore) readEdges(prefix string) ([]domain.EdgeRecord, error) {
	iter, err := ps.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "creating edge iterator")
	}
	defer iter.Close()

	var edges []domain.EdgeRecord
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}
		var edge domain.EdgeRecord
		if err := decode(value, &edge); err != nil {
			return nil, errors.Wrapf(err, "decoding edge record [%s]", iter.Key())
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

func (ps *PebbleStore) readEdge(key string) (*domain.EdgeRecord, error) {
	value, closer, err := ps.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting edge [%s]", key)
	}
	defer closer.Close()

	var edge domain.EdgeRecord
	if err := decode(value, &edge); err != nil {
		return nil, errors.Wrapf(err, "decoding edge [%s]", key)
	}
	return &edge, nil
}

// WriteAccountAttributes applies a partial update to the stored account
// record. Attribute groups not present in the update are left untouched. The
// read-modify-write happens under the store lock, a reader observes either
// the old or the new record, never a half-written one.
func (ps *PebbleStore) WriteAccountAttributes(accountID string, update domain.AccountUpdate) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	account, err := ps.LookupAccount(accountID)
	if err != nil {
		return errors.Wrapf(err, "looking up account [%s] for attribute update", accountID)
	}
	update.Apply(account)
	return ps.putAccount(*account)
}

// SetStageRun records the completion time of one batch stage. Lookups use it
// to distinguish "never computed" from a computed null result.
func (ps *PebbleStore) SetStageRun(stage string, completedAt time.Time) error {
	var value []byte
	value = binary.BigEndian.AppendUint64(value, uint64(completedAt.Unix()))
	err := ps.db.Set([]byte(stageRunKeyPrefix+stage), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(err, "setting run time for stage [%s]", stage)
	}
	return nil
}

func (ps *PebbleStore) GetStageRun(stage string) (time.Time, error) {
	value, closer, err := ps.db.Get([]byte(stageRunKeyPrefix + stage))
	if errors.Is(err, pebble.ErrNotFound) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "getting run time for stage [%s]", stage)
	}
	defer closer.Close()
	return time.Unix(int64(binary.BigEndian.Uint64(value)), 0), nil
}

func (ps *PebbleStore) Close() error {
	return ps.db.Close()
}

func prefixBounds(prefix string) *pebble.IterOptions {
	lower := []byte(prefix)
	upper := make([]byte, len(lower))
	copy(upper, lower)
	upper[len(upper)-1]++ // prefixes end in ':' or '|', no overflow
	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}

// Records are stored as json: a zero-valued pointer attribute must stay
// distinct from an absent one across the round trip.
func encode(record any) ([]byte, error) {
	return json.Marshal(record)
}

func decode(value []byte, record any) error {
	return json.Unmarshal(value, record)
}
