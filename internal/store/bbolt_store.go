package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketLicenses  = "licenses"
	bucketRenewals  = "licenseRenewals"
	bucketPurchases = "licensePurchases"

	// provider order id -> internal id
	bucketRenewalsByOrder  = "licenseRenewals.orderId"
	bucketPurchasesByOrder = "licensePurchases.orderId"
)

var allBuckets = []string{
	bucketLicenses,
	bucketRenewals,
	bucketPurchases,
	bucketRenewalsByOrder,
	bucketPurchasesByOrder,
}

type BBoltStore struct {
	db *bbolt.DB
}

func OpenBBolt(path string) (*BBoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	st := &BBoltStore{db: db}
	if err := st.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *BBoltStore) Close() error { return s.db.Close() }

func (s *BBoltStore) Update(fn func(tx Tx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(boltTx{tx: tx})
	})
}

func (s *BBoltStore) View(fn func(tx Tx) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(boltTx{tx: tx})
	})
}

func (s *BBoltStore) GetLicense(key string) (License, error) {
	var lic License
	err := s.View(func(tx Tx) error {
		var err error
		lic, err = tx.License(key)
		return err
	})
	return lic, err
}

func (s *BBoltStore) FindOrder(providerOrderID string) (OrderRecord, error) {
	var rec OrderRecord
	err := s.View(func(tx Tx) error {
		var err error
		rec, err = tx.FindOrder(providerOrderID)
		return err
	})
	return rec, err
}

func (s *BBoltStore) InsertOrder(rec OrderRecord) error {
	return s.Update(func(tx Tx) error { return tx.InsertOrder(rec) })
}

func (s *BBoltStore) ListLicenses(limit int) ([]License, error) {
	var out []License
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketLicenses)).ForEach(func(_, v []byte) error {
			var lic License
			if err := json.Unmarshal(v, &lic); err != nil {
				return err
			}
			out = append(out, lic)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Millis() > out[j].ExpiresAt.Millis()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BBoltStore) ListOrders(kind OrderKind, limit int) ([]OrderRecord, error) {
	var out []OrderRecord
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(recordBucket(kind))).ForEach(func(_, v []byte) error {
			rec, err := decodeOrder(kind, v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Common().CreatedAt.After(out[j].Common().CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Activate binds deviceID to the license on first use. The binding is never replaced.
func (s *BBoltStore) Activate(key string, deviceID string) (ActivateResult, error) {
	key = strings.TrimSpace(key)
	deviceID = strings.TrimSpace(deviceID)
	if key == "" || deviceID == "" {
		return ActivateResult{OK: false, Reason: "invalid_request"}, nil
	}
	if len(deviceID) > 128 {
		return ActivateResult{OK: false, Reason: "device_id_too_long"}, nil
	}

	var res ActivateResult
	now := time.Now().UTC()
	if err := s.Update(func(tx Tx) error {
		lic, err := tx.License(key)
		if errors.Is(err, ErrLicenseNotFound) {
			res = ActivateResult{OK: false, Reason: "not_found"}
			return nil
		}
		if err != nil {
			return err
		}
		if !lic.Active {
			res = ActivateResult{OK: false, Reason: "inactive"}
			return nil
		}
		if lic.DeviceID != "" && lic.DeviceID != deviceID {
			res = ActivateResult{OK: false, Reason: "device_mismatch"}
			return nil
		}
		newlyBound := false
		if lic.DeviceID == "" {
			lic.DeviceID = deviceID
			lic.ActivatedAt = &now
			if err := tx.PutLicense(lic); err != nil {
				return err
			}
			newlyBound = true
		}
		res = ActivateResult{OK: true, Reason: "ok", ExpiresAt: lic.ExpiresAt.Millis(), NewlyBound: newlyBound}
		return nil
	}); err != nil {
		return ActivateResult{}, err
	}
	return res, nil
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t boltTx) License(key string) (License, error) {
	v := t.tx.Bucket([]byte(bucketLicenses)).Get([]byte(key))
	if v == nil {
		return License{}, ErrLicenseNotFound
	}
	var lic License
	if err := json.Unmarshal(v, &lic); err != nil {
		return License{}, fmt.Errorf("decode license %q: %w", key, err)
	}
	return lic, nil
}

func (t boltTx) PutLicense(lic License) error {
	if lic.Key == "" {
		return fmt.Errorf("license key is empty")
	}
	buf, err := json.Marshal(lic)
	if err != nil {
		return err
	}
	return t.tx.Bucket([]byte(bucketLicenses)).Put([]byte(lic.Key), buf)
}

func (t boltTx) FindOrder(providerOrderID string) (OrderRecord, error) {
	if providerOrderID == "" {
		return OrderRecord{}, ErrOrderNotFound
	}
	for _, kind := range []OrderKind{KindRenewal, KindPurchase} {
		id := t.tx.Bucket([]byte(indexBucket(kind))).Get([]byte(providerOrderID))
		if id == nil {
			continue
		}
		v := t.tx.Bucket([]byte(recordBucket(kind))).Get(id)
		if v == nil {
			return OrderRecord{}, fmt.Errorf("index for %s points at missing %s record %q", providerOrderID, kind, id)
		}
		return decodeOrder(kind, v)
	}
	return OrderRecord{}, ErrOrderNotFound
}

// InsertOrder stores a new record and claims its provider order id across both kinds.
func (t boltTx) InsertOrder(rec OrderRecord) error {
	c := rec.Common()
	if c == nil || c.ID == "" || c.OrderID == "" {
		return fmt.Errorf("order record needs an id and a provider order id")
	}
	for _, kind := range []OrderKind{KindRenewal, KindPurchase} {
		if t.tx.Bucket([]byte(indexBucket(kind))).Get([]byte(c.OrderID)) != nil {
			return ErrDuplicateOrder
		}
	}
	kind := rec.Kind()
	if t.tx.Bucket([]byte(recordBucket(kind))).Get([]byte(c.ID)) != nil {
		return fmt.Errorf("order id collision, try again")
	}
	if err := t.PutOrder(rec); err != nil {
		return err
	}
	return t.tx.Bucket([]byte(indexBucket(kind))).Put([]byte(c.OrderID), []byte(c.ID))
}

func (t boltTx) PutOrder(rec OrderRecord) error {
	c := rec.Common()
	if c == nil || c.ID == "" {
		return fmt.Errorf("order record needs an id")
	}
	var (
		buf []byte
		err error
	)
	if rec.Renewal != nil {
		buf, err = json.Marshal(rec.Renewal)
	} else {
		buf, err = json.Marshal(rec.Purchase)
	}
	if err != nil {
		return err
	}
	return t.tx.Bucket([]byte(recordBucket(rec.Kind()))).Put([]byte(c.ID), buf)
}

func decodeOrder(kind OrderKind, v []byte) (OrderRecord, error) {
	switch kind {
	case KindRenewal:
		var r RenewalOrder
		if err := json.Unmarshal(v, &r); err != nil {
			return OrderRecord{}, fmt.Errorf("decode renewal: %w", err)
		}
		return OrderRecord{Renewal: &r}, nil
	default:
		var p PurchaseOrder
		if err := json.Unmarshal(v, &p); err != nil {
			return OrderRecord{}, fmt.Errorf("decode purchase: %w", err)
		}
		return OrderRecord{Purchase: &p}, nil
	}
}

func recordBucket(kind OrderKind) string {
	if kind == KindRenewal {
		return bucketRenewals
	}
	return bucketPurchases
}

func indexBucket(kind OrderKind) string {
	if kind == KindRenewal {
		return bucketRenewalsByOrder
	}
	return bucketPurchasesByOrder
}
