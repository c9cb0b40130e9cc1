package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tikplays-license-api/internal/apperr"
	"tikplays-license-api/internal/license"
	"tikplays-license-api/internal/paypal"
	"tikplays-license-api/internal/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

const nowMs int64 = 1_700_000_000_000

var fixedNow = time.UnixMilli(nowMs).UTC()

type fakeCapturer struct {
	calls atomic.Int32
	res   paypal.Capture
	err   error
}

func (f *fakeCapturer) CaptureOrder(_ context.Context, orderID string) (paypal.Capture, error) {
	f.calls.Add(1)
	return f.res, f.err
}

type recordingNotifier struct {
	mu      sync.Mutex
	results []Result
}

func (n *recordingNotifier) OrderCompleted(_ context.Context, res Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, res)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.results)
}

func openStore(t *testing.T) *store.BBoltStore {
	t.Helper()
	st, err := store.OpenBBolt(filepath.Join(t.TempDir(), "licenses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newEngine(t *testing.T, st store.Store, c Capturer, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(st, c, opts...)
}

func putLicense(t *testing.T, st store.Store, lic store.License) {
	t.Helper()
	require.NoError(t, st.Update(func(tx store.Tx) error { return tx.PutLicense(lic) }))
}

func renewalOrder(providerID, key string, days int) store.OrderRecord {
	return store.OrderRecord{Renewal: &store.RenewalOrder{
		OrderCommon: store.OrderCommon{
			ID: "ren_1", OrderID: providerID, Status: store.StatusCreated, LicenseKey: key,
			PlanID: "1m", Days: days, Amount: "4.99", Currency: "USD", CreatedAt: fixedNow,
		},
		DeviceID: "dev-1",
	}}
}

func purchaseOrder(providerID, key string, days int) store.OrderRecord {
	return store.OrderRecord{Purchase: &store.PurchaseOrder{
		OrderCommon: store.OrderCommon{
			ID: "pur_1", OrderID: providerID, Status: store.StatusCreated, LicenseKey: key,
			PlanID: "1m", Days: days, Amount: "4.99", Currency: "USD", CreatedAt: fixedNow,
		},
		UsernameRaw: "@L", Email: "l@example.com", DownloadURL: "https://example.com/dl",
	}}
}

func TestPurchaseCreatesLicense(t *testing.T) {
	st := openStore(t)
	require.NoError(t, st.InsertOrder(purchaseOrder("P1", "l", 30)))
	e := newEngine(t, st, nil)

	res, err := e.CompleteOrder(context.Background(), "P1", ClassFinal)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, store.KindPurchase, res.Kind)
	require.True(t, res.LicenseCreated)
	require.Equal(t, int64(1_702_592_000_000), res.NewExpiresAt)
	require.Equal(t, "https://example.com/dl", res.DownloadURL)

	lic, err := st.GetLicense("l")
	require.NoError(t, err)
	require.True(t, lic.Active)
	require.Equal(t, int64(1_702_592_000_000), lic.ExpiresAt.Millis())
	require.NotNil(t, lic.Source)
	require.Equal(t, "purchase", lic.Source.Type)
	require.Equal(t, "P1", lic.Source.OrderID)
	require.Equal(t, "l@example.com", lic.Source.Email)

	rec, err := st.FindOrder("P1")
	require.NoError(t, err)
	c := rec.Common()
	require.Equal(t, store.StatusCompleted, c.Status)
	require.Equal(t, 30, c.DaysAdded)
	require.Equal(t, int64(1_702_592_000_000), c.NewExpiresAt)
	require.NotNil(t, c.PaidAt)
}

func TestRenewalExtendsFromLaterOfNowAndExpiry(t *testing.T) {
	future := nowMs + 10*license.DayMillis
	past := nowMs - 10*license.DayMillis

	cases := []struct {
		name    string
		current int64
		want    int64
	}{
		{"active license stacks", future, future + 30*license.DayMillis},
		{"lapsed license starts now", past, nowMs + 30*license.DayMillis},
		{"never active starts now", 0, nowMs + 30*license.DayMillis},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := openStore(t)
			putLicense(t, st, store.License{Key: "alice", Active: true, DeviceID: "dev-1", ExpiresAt: license.FromMillis(tc.current)})
			require.NoError(t, st.InsertOrder(renewalOrder("R1", "alice", 30)))

			res, err := newEngine(t, st, nil).CompleteOrder(context.Background(), "R1", ClassFinal)
			require.NoError(t, err)
			require.Equal(t, tc.want, res.NewExpiresAt)

			lic, err := st.GetLicense("alice")
			require.NoError(t, err)
			require.Equal(t, tc.want, lic.ExpiresAt.Millis())
			require.Equal(t, "dev-1", lic.DeviceID)
		})
	}
}

func TestLegacyExpiryShapesAreExtended(t *testing.T) {
	st := openStore(t)
	// seconds-precision expiry as older records stored it
	putLicense(t, st, store.License{Key: "alice", Active: true, ExpiresAt: license.ParseExpiry("1800000000")})
	require.NoError(t, st.InsertOrder(renewalOrder("R1", "alice", 30)))

	res, err := newEngine(t, st, nil).CompleteOrder(context.Background(), "R1", ClassFinal)
	require.NoError(t, err)
	require.Equal(t, int64(1_800_000_000_000)+30*license.DayMillis, res.NewExpiresAt)
}

func TestFarFutureExpiryNeverMovesBack(t *testing.T) {
	for _, raw := range []string{"9223372036000000000", "1e19"} {
		t.Run(raw, func(t *testing.T) {
			st := openStore(t)
			stored := license.ParseExpiry(raw)
			putLicense(t, st, store.License{Key: "alice", Active: true, ExpiresAt: stored})
			require.NoError(t, st.InsertOrder(renewalOrder("R1", "alice", 30)))

			res, err := newEngine(t, st, nil).CompleteOrder(context.Background(), "R1", ClassFinal)
			require.NoError(t, err)
			require.Equal(t, OutcomeCompleted, res.Outcome)
			require.Equal(t, int64(math.MaxInt64), res.NewExpiresAt)

			lic, err := st.GetLicense("alice")
			require.NoError(t, err)
			require.GreaterOrEqual(t, lic.ExpiresAt.Millis(), stored.Millis())
			require.Equal(t, int64(math.MaxInt64), lic.ExpiresAt.Millis())
		})
	}
}

func TestReplayIsNoop(t *testing.T) {
	st := openStore(t)
	putLicense(t, st, store.License{Key: "alice", Active: true, ExpiresAt: license.FromMillis(nowMs)})
	require.NoError(t, st.InsertOrder(renewalOrder("R1", "alice", 30)))
	n := &recordingNotifier{}
	e := newEngine(t, st, nil, WithNotifier(n))

	first, err := e.CompleteOrder(context.Background(), "R1", ClassFinal)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, first.Outcome)

	second, err := e.CompleteOrder(context.Background(), "R1", ClassFinal)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyCompleted, second.Outcome)
	require.Equal(t, first.NewExpiresAt, second.NewExpiresAt)
	require.Equal(t, 30, second.DaysAdded)

	lic, err := st.GetLicense("alice")
	require.NoError(t, err)
	require.Equal(t, nowMs+30*license.DayMillis, lic.ExpiresAt.Millis())
	require.Equal(t, 1, n.count())
}

func TestConcurrentDeliveriesCreditOnce(t *testing.T) {
	st := openStore(t)
	putLicense(t, st, store.License{Key: "alice", Active: true, ExpiresAt: license.FromMillis(nowMs + license.DayMillis)})
	require.NoError(t, st.InsertOrder(renewalOrder("R1", "alice", 30)))
	n := &recordingNotifier{}
	e := newEngine(t, st, &fakeCapturer{err: paypal.ErrAlreadyCaptured}, WithNotifier(n))

	const workers = 16
	var (
		wg        sync.WaitGroup
		completed atomic.Int32
		replayed  atomic.Int32
	)
	for i := 0; i < workers; i++ {
		class := ClassFinal
		if i%2 == 1 {
			class = ClassApproved
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.CompleteOrder(context.Background(), "R1", class)
			if err != nil {
				return
			}
			switch res.Outcome {
			case OutcomeCompleted:
				completed.Add(1)
			case OutcomeAlreadyCompleted:
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), completed.Load())
	require.Equal(t, int32(workers-1), replayed.Load())
	require.Equal(t, 1, n.count())

	lic, err := st.GetLicense("alice")
	require.NoError(t, err)
	require.Equal(t, nowMs+31*license.DayMillis, lic.ExpiresAt.Millis())
}

func TestApprovedCapturesFirst(t *testing.T) {
	t.Run("already captured resolves with original id", func(t *testing.T) {
		st := openStore(t)
		require.NoError(t, st.InsertOrder(purchaseOrder("P1", "l", 30)))
		c := &fakeCapturer{err: errors.Join(paypal.ErrAlreadyCaptured, errors.New("422"))}

		res, err := newEngine(t, st, c).CompleteOrder(context.Background(), "P1", ClassApproved)
		require.NoError(t, err)
		require.Equal(t, OutcomeCompleted, res.Outcome)
		require.Equal(t, int32(1), c.calls.Load())
	})

	t.Run("capture response id wins", func(t *testing.T) {
		st := openStore(t)
		require.NoError(t, st.InsertOrder(purchaseOrder("P2", "l", 30)))
		c := &fakeCapturer{res: paypal.Capture{ID: "P2", Status: "COMPLETED"}}

		res, err := newEngine(t, st, c).CompleteOrder(context.Background(), "P-ALIAS", ClassApproved)
		require.NoError(t, err)
		require.Equal(t, "P2", res.ProviderOrderID)
		require.Equal(t, OutcomeCompleted, res.Outcome)
	})

	t.Run("empty capture id falls back", func(t *testing.T) {
		st := openStore(t)
		require.NoError(t, st.InsertOrder(purchaseOrder("P3", "l", 30)))
		c := &fakeCapturer{res: paypal.Capture{Status: "COMPLETED"}}

		res, err := newEngine(t, st, c).CompleteOrder(context.Background(), "P3", ClassApproved)
		require.NoError(t, err)
		require.Equal(t, "P3", res.ProviderOrderID)
	})

	t.Run("non-completed capture status is logged", func(t *testing.T) {
		var buf bytes.Buffer
		prev := log.Logger
		log.Logger = zerolog.New(&buf)
		t.Cleanup(func() { log.Logger = prev })

		st := openStore(t)
		require.NoError(t, st.InsertOrder(purchaseOrder("P6", "l", 30)))
		c := &fakeCapturer{res: paypal.Capture{ID: "P6", Status: "PENDING"}}

		res, err := newEngine(t, st, c).CompleteOrder(context.Background(), "P6", ClassApproved)
		require.NoError(t, err)
		require.Equal(t, OutcomeCompleted, res.Outcome)
		require.Contains(t, buf.String(), `"level":"warn","provider_order_id":"P6","capture_status":"PENDING","message":"order captured"`)
	})

	t.Run("capture failure leaves order pending", func(t *testing.T) {
		st := openStore(t)
		require.NoError(t, st.InsertOrder(purchaseOrder("P4", "l", 30)))
		c := &fakeCapturer{err: &paypal.APIError{Op: "capture_order", Status: 500}}

		res, err := newEngine(t, st, c).CompleteOrder(context.Background(), "P4", ClassApproved)
		require.ErrorIs(t, err, apperr.New(apperr.CaptureFailed, ""))
		require.Equal(t, OutcomeUpstreamFailure, res.Outcome)
		require.True(t, apperr.From(err).Retryable())

		rec, err := st.FindOrder("P4")
		require.NoError(t, err)
		require.Equal(t, store.StatusCreated, rec.Common().Status)
		_, err = st.GetLicense("l")
		require.ErrorIs(t, err, store.ErrLicenseNotFound)
	})

	t.Run("final events never capture", func(t *testing.T) {
		st := openStore(t)
		require.NoError(t, st.InsertOrder(purchaseOrder("P5", "l", 30)))
		c := &fakeCapturer{}

		_, err := newEngine(t, st, c).CompleteOrder(context.Background(), "P5", ClassFinal)
		require.NoError(t, err)
		require.Zero(t, c.calls.Load())
	})
}

func TestFailures(t *testing.T) {
	t.Run("unknown order", func(t *testing.T) {
		res, err := newEngine(t, openStore(t), nil).CompleteOrder(context.Background(), "NOPE", ClassFinal)
		require.True(t, apperr.HasReason(err, apperr.OrderNotFound))
		require.True(t, apperr.From(err).Retryable())
		require.Equal(t, OutcomeNotFound, res.Outcome)
	})

	t.Run("missing order id", func(t *testing.T) {
		_, err := newEngine(t, openStore(t), nil).CompleteOrder(context.Background(), "  ", ClassFinal)
		require.True(t, apperr.HasReason(err, apperr.MissingOrderID))
	})

	t.Run("renewal for a missing license", func(t *testing.T) {
		st := openStore(t)
		require.NoError(t, st.InsertOrder(renewalOrder("R1", "ghost", 30)))

		res, err := newEngine(t, st, nil).CompleteOrder(context.Background(), "R1", ClassFinal)
		require.True(t, apperr.HasReason(err, apperr.LicenseNotFound))
		require.Equal(t, OutcomeNotFound, res.Outcome)

		rec, err := st.FindOrder("R1")
		require.NoError(t, err)
		require.Equal(t, store.StatusCreated, rec.Common().Status)
		_, err = st.GetLicense("ghost")
		require.ErrorIs(t, err, store.ErrLicenseNotFound)
	})

	t.Run("record without days", func(t *testing.T) {
		st := openStore(t)
		require.NoError(t, st.InsertOrder(purchaseOrder("P1", "l", 0)))

		res, err := newEngine(t, st, nil).CompleteOrder(context.Background(), "P1", ClassFinal)
		require.True(t, apperr.HasReason(err, apperr.OrderRecordInvalid))
		require.Equal(t, OutcomeInvalid, res.Outcome)
	})

	t.Run("failed order is not resumable", func(t *testing.T) {
		st := openStore(t)
		rec := purchaseOrder("P1", "l", 30)
		rec.Purchase.Status = store.StatusFailed
		require.NoError(t, st.InsertOrder(rec))

		_, err := newEngine(t, st, nil).CompleteOrder(context.Background(), "P1", ClassFinal)
		require.True(t, apperr.HasReason(err, apperr.OrderNotResumable))
	})
}

func TestPurchaseTopUpKeepsDeviceBinding(t *testing.T) {
	st := openStore(t)
	putLicense(t, st, store.License{Key: "l", Active: true, DeviceID: "dev-9", ExpiresAt: license.FromMillis(nowMs + 5*license.DayMillis)})
	require.NoError(t, st.InsertOrder(purchaseOrder("P1", "l", 30)))

	res, err := newEngine(t, st, nil).CompleteOrder(context.Background(), "P1", ClassFinal)
	require.NoError(t, err)
	require.False(t, res.LicenseCreated)

	lic, err := st.GetLicense("l")
	require.NoError(t, err)
	require.Equal(t, "dev-9", lic.DeviceID)
	require.Nil(t, lic.Source)
	require.Equal(t, nowMs+35*license.DayMillis, lic.ExpiresAt.Millis())
}

func TestDeniedAndVoidedCloseOrders(t *testing.T) {
	st := openStore(t)
	require.NoError(t, st.InsertOrder(purchaseOrder("P1", "l", 30)))
	rec := renewalOrder("R1", "alice", 30)
	require.NoError(t, st.InsertOrder(rec))
	e := newEngine(t, st, nil)

	res, err := e.CompleteOrder(context.Background(), "P1", ClassDenied)
	require.NoError(t, err)
	require.Equal(t, OutcomeClosed, res.Outcome)
	require.Equal(t, store.StatusFailed, res.Status)

	res, err = e.CompleteOrder(context.Background(), "R1", ClassVoided)
	require.NoError(t, err)
	require.Equal(t, store.StatusCanceled, res.Status)

	got, err := st.FindOrder("R1")
	require.NoError(t, err)
	require.Equal(t, "voided", got.Common().CloseReason)
	require.NotNil(t, got.Common().ClosedAt)

	// a late completion cannot revive a closed order
	_, err = e.CompleteOrder(context.Background(), "P1", ClassFinal)
	require.True(t, apperr.HasReason(err, apperr.OrderNotResumable))
}

func TestDeniedAfterCompletionChangesNothing(t *testing.T) {
	st := openStore(t)
	require.NoError(t, st.InsertOrder(purchaseOrder("P1", "l", 30)))
	e := newEngine(t, st, nil)

	_, err := e.CompleteOrder(context.Background(), "P1", ClassFinal)
	require.NoError(t, err)

	res, err := e.CompleteOrder(context.Background(), "P1", ClassDenied)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyCompleted, res.Outcome)

	rec, err := st.FindOrder("P1")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, rec.Common().Status)
}

func TestHandleEvent(t *testing.T) {
	st := openStore(t)
	require.NoError(t, st.InsertOrder(purchaseOrder("P1", "l", 30)))
	e := newEngine(t, st, nil)

	var ignored Event
	require.NoError(t, json.Unmarshal([]byte(`{"event_type":"BILLING.SUBSCRIPTION.CREATED","resource":{"id":"P1"}}`), &ignored))
	res, err := e.HandleEvent(context.Background(), ignored)
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)
	rec, err := st.FindOrder("P1")
	require.NoError(t, err)
	require.Equal(t, store.StatusCreated, rec.Common().Status)
	_, err = st.GetLicense("l")
	require.ErrorIs(t, err, store.ErrLicenseNotFound)

	var noID Event
	require.NoError(t, json.Unmarshal([]byte(`{"event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1"}}`), &noID))
	_, err = e.HandleEvent(context.Background(), noID)
	require.True(t, apperr.HasReason(err, apperr.MissingOrderID))

	var final Event
	require.NoError(t, json.Unmarshal([]byte(`{"event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","supplementary_data":{"related_ids":{"order_id":"P1"}}}}`), &final))
	res, err = e.HandleEvent(context.Background(), final)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
}
