package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/inventory_backend/config"
	"bitbucket.org/mmdatafocus/inventory_backend/models"
	"bitbucket.org/mmdatafocus/inventory_backend/utils"
	"bitbucket.org/mmdatafocus/inventory_backend/workflow"
)

// Full-stack regression: the reserve -> commit/release lifecycle must keep
// the ledger, the movement audit trail and the outbox in agreement.
func TestReservationLifecycle_ReserveCommitRelease(t *testing.T) {
	ctx := bootInventoryStack(t)

	loc := mustCreateLocation(t, ctx, "Yangon Central", "YGN-01")
	mustProvision(t, ctx, "RICE-5KG", loc.ID, 10)

	res, err := workflow.ReserveStock(ctx, &models.NewReservation{
		OrderRef: "ORD-1001",
		Lines:    []models.NewReservationLine{{Sku: "RICE-5KG", LocationId: loc.ID, Qty: 3}},
	})
	if err != nil {
		t.Fatalf("ReserveStock: %v", err)
	}
	if res.State != models.ReservationStatePending {
		t.Fatalf("expected PENDING; got %s", res.State)
	}
	if !res.ExpiresAt.After(time.Now().UTC()) {
		t.Fatalf("expected future expires_at; got %s", res.ExpiresAt)
	}

	record := mustGetRecord(t, ctx, "RICE-5KG", loc.ID)
	if record.TotalQty != 10 || record.ReservedQty != 3 {
		t.Fatalf("after reserve: total=%d reserved=%d", record.TotalQty, record.ReservedQty)
	}
	avail, err := models.GetAvailableQty(ctx, "RICE-5KG", loc.ID)
	if err != nil {
		t.Fatalf("GetAvailableQty: %v", err)
	}
	if avail.AvailableQty != 7 {
		t.Fatalf("expected available 7; got %d", avail.AvailableQty)
	}

	// Repeat reserve for the same order_ref hands back the existing hold
	// instead of double-holding stock.
	repeat, err := workflow.ReserveStock(ctx, &models.NewReservation{
		OrderRef: "ORD-1001",
		Lines:    []models.NewReservationLine{{Sku: "RICE-5KG", LocationId: loc.ID, Qty: 3}},
	})
	if err != nil {
		t.Fatalf("repeat ReserveStock: %v", err)
	}
	if repeat.Id != res.Id {
		t.Fatalf("repeat reserve created a new reservation: %s vs %s", repeat.Id, res.Id)
	}
	if record = mustGetRecord(t, ctx, "RICE-5KG", loc.ID); record.ReservedQty != 3 {
		t.Fatalf("repeat reserve changed reserved qty to %d", record.ReservedQty)
	}

	// A stocktake write-off cannot take stock that is already reserved.
	var insufficient *models.InsufficientStockError
	if _, err := workflow.AdjustStock(ctx, "RICE-5KG", loc.ID, -8); !errors.As(err, &insufficient) {
		t.Fatalf("write-off under a live hold: expected InsufficientStockError; got %v", err)
	}
	if insufficient.Lines[0].Available != 7 {
		t.Fatalf("write-off refusal reported available=%d; want 7", insufficient.Lines[0].Available)
	}
	if record = mustGetRecord(t, ctx, "RICE-5KG", loc.ID); record.TotalQty != 10 || record.ReservedQty != 3 {
		t.Fatalf("refused write-off moved the ledger: total=%d reserved=%d", record.TotalQty, record.ReservedQty)
	}

	committed, err := workflow.CommitReservation(ctx, res.Id)
	if err != nil {
		t.Fatalf("CommitReservation: %v", err)
	}
	if committed.State != models.ReservationStateCommitted || committed.CommittedAt == nil {
		t.Fatalf("expected COMMITTED with committed_at; got %s %v", committed.State, committed.CommittedAt)
	}
	record = mustGetRecord(t, ctx, "RICE-5KG", loc.ID)
	if record.TotalQty != 7 || record.ReservedQty != 0 {
		t.Fatalf("after commit: total=%d reserved=%d", record.TotalQty, record.ReservedQty)
	}
	versionAfterCommit := record.Version

	// Committing again is a no-op, not an error and not a second decrement.
	again, err := workflow.CommitReservation(ctx, res.Id)
	if err != nil {
		t.Fatalf("second CommitReservation: %v", err)
	}
	if again.State != models.ReservationStateCommitted {
		t.Fatalf("second commit state: %s", again.State)
	}
	record = mustGetRecord(t, ctx, "RICE-5KG", loc.ID)
	if record.TotalQty != 7 || record.Version != versionAfterCommit {
		t.Fatalf("second commit moved the ledger: total=%d version=%d", record.TotalQty, record.Version)
	}

	// Reserve for a second order and walk the release path.
	res2, err := workflow.ReserveStock(ctx, &models.NewReservation{
		OrderRef: "ORD-1002",
		Lines:    []models.NewReservationLine{{Sku: "RICE-5KG", LocationId: loc.ID, Qty: 4}},
	})
	if err != nil {
		t.Fatalf("ReserveStock ORD-1002: %v", err)
	}
	released, err := workflow.ReleaseReservation(ctx, res2.Id, "customer cancelled")
	if err != nil {
		t.Fatalf("ReleaseReservation: %v", err)
	}
	if released.State != models.ReservationStateReleased || released.ReleasedAt == nil {
		t.Fatalf("expected RELEASED with released_at; got %s %v", released.State, released.ReleasedAt)
	}
	record = mustGetRecord(t, ctx, "RICE-5KG", loc.ID)
	if record.TotalQty != 7 || record.ReservedQty != 0 {
		t.Fatalf("after release: total=%d reserved=%d", record.TotalQty, record.ReservedQty)
	}

	// Releasing again succeeds without effect.
	if _, err := workflow.ReleaseReservation(ctx, res2.Id, "retry"); err != nil {
		t.Fatalf("second ReleaseReservation: %v", err)
	}

	// The movement trail must replay to exactly the live quantities.
	sums, err := models.MovementSums(ctx, "RICE-5KG", loc.ID)
	if err != nil {
		t.Fatalf("MovementSums: %v", err)
	}
	if sums.TotalSum != record.TotalQty || sums.ReservedSum != record.ReservedQty {
		t.Fatalf("audit trail drifted: sums total=%d reserved=%d vs ledger total=%d reserved=%d",
			sums.TotalSum, sums.ReservedSum, record.TotalQty, record.ReservedQty)
	}
	// PROVISION, RESERVE, COMMIT, RESERVE, RELEASE.
	if sums.Movements != 5 {
		t.Fatalf("expected 5 movements; got %d", sums.Movements)
	}

	// Every transition left its event in the outbox.
	for _, want := range []struct {
		orderRef  string
		eventType string
	}{
		{"ORD-1001", models.EventTypeStockReserved},
		{"ORD-1001", models.EventTypeStockCommitted},
		{"ORD-1002", models.EventTypeStockReserved},
		{"ORD-1002", models.EventTypeStockReleased},
	} {
		if n := countOutbox(t, want.eventType, want.orderRef); n != 1 {
			t.Fatalf("expected one %s event for %s; got %d", want.eventType, want.orderRef, n)
		}
	}
	var changed int64
	db := config.GetDB()
	if err := db.Model(&models.OutboxMessage{}).
		Where("event_type = ? AND sku = ?", models.EventTypeStockChanged, "RICE-5KG").
		Count(&changed).Error; err != nil {
		t.Fatalf("count StockChanged: %v", err)
	}
	if changed != 5 {
		t.Fatalf("expected 5 StockChanged events; got %d", changed)
	}
}

// One short line rejects the whole reservation and leaves no trace: no
// reservation row, no held stock, no movements beyond provisioning.
func TestReserveStock_InsufficientStock_AllOrNothing(t *testing.T) {
	ctx := bootInventoryStack(t)

	loc := mustCreateLocation(t, ctx, "Mandalay Dark Store", "MDY-01")
	mustProvision(t, ctx, "APPLE-1KG", loc.ID, 10)
	mustProvision(t, ctx, "BEANS-500G", loc.ID, 1)
	mustProvision(t, ctx, "COLA-330ML", loc.ID, 0)

	_, err := workflow.ReserveStock(ctx, &models.NewReservation{
		OrderRef: "ORD-2001",
		Lines: []models.NewReservationLine{
			{Sku: "APPLE-1KG", LocationId: loc.ID, Qty: 2},
			{Sku: "BEANS-500G", LocationId: loc.ID, Qty: 5},
			{Sku: "COLA-330ML", LocationId: loc.ID, Qty: 1},
		},
	})
	var insErr *models.InsufficientStockError
	if !errors.As(err, &insErr) {
		t.Fatalf("expected InsufficientStockError; got %v", err)
	}
	// Both shortfalls are reported, not just the first one hit.
	if len(insErr.Lines) != 2 {
		t.Fatalf("expected 2 shortfall lines; got %+v", insErr.Lines)
	}
	byName := map[string]models.InsufficientLine{}
	for _, line := range insErr.Lines {
		byName[line.Sku] = line
	}
	if l := byName["BEANS-500G"]; l.Requested != 5 || l.Available != 1 {
		t.Fatalf("BEANS-500G shortfall: %+v", l)
	}
	if l := byName["COLA-330ML"]; l.Requested != 1 || l.Available != 0 {
		t.Fatalf("COLA-330ML shortfall: %+v", l)
	}

	if _, err := models.GetReservationByOrderRef(ctx, "ORD-2001"); !errors.Is(err, models.ErrReservationNotFound) {
		t.Fatalf("rejected reservation left a row: %v", err)
	}
	for _, sku := range []string{"APPLE-1KG", "BEANS-500G", "COLA-330ML"} {
		record := mustGetRecord(t, ctx, sku, loc.ID)
		if record.ReservedQty != 0 {
			t.Fatalf("%s holds %d after rejection", sku, record.ReservedQty)
		}
		sums, err := models.MovementSums(ctx, sku, loc.ID)
		if err != nil {
			t.Fatalf("MovementSums %s: %v", sku, err)
		}
		if sums.Movements != 1 {
			t.Fatalf("%s has %d movements after rejection; want only the provision", sku, sums.Movements)
		}
	}
}

// The sweep and a late commit race for the same hold; whoever locks the row
// first wins and the loser sees a terminal state.
func TestCommitAfterExpiry_SweepWinsAndConflictIsQueued(t *testing.T) {
	ctx := bootInventoryStack(t)

	loc := mustCreateLocation(t, ctx, "Yangon Central", "YGN-01")
	mustProvision(t, ctx, "MILK-1L", loc.ID, 5)

	res, err := workflow.ReserveStock(ctx, &models.NewReservation{
		OrderRef: "ORD-3001",
		Lines:    []models.NewReservationLine{{Sku: "MILK-1L", LocationId: loc.ID, Qty: 2}},
	})
	if err != nil {
		t.Fatalf("ReserveStock: %v", err)
	}

	// Backdate the hold; the TTL floor is five minutes and tests do not wait.
	db := config.GetDB()
	if err := db.Model(&models.Reservation{}).Where("id = ?", res.Id).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error; err != nil {
		t.Fatalf("backdate expires_at: %v", err)
	}

	sweeper := workflow.NewExpirySweeper(db, config.GetLogger())
	expired, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired; got %d", expired)
	}

	record := mustGetRecord(t, ctx, "MILK-1L", loc.ID)
	if record.ReservedQty != 0 || record.TotalQty != 5 {
		t.Fatalf("after sweep: total=%d reserved=%d", record.TotalQty, record.ReservedQty)
	}
	swept, err := models.GetReservation(ctx, res.Id)
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if swept.State != models.ReservationStateExpired || swept.ReleasedAt == nil {
		t.Fatalf("expected EXPIRED with released_at; got %s %v", swept.State, swept.ReleasedAt)
	}

	// The late commit is refused and the conflict is queued for the order
	// service exactly once.
	_, err = workflow.CommitReservation(ctx, res.Id)
	var stateErr *models.InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError; got %v", err)
	}
	if stateErr.State != models.ReservationStateExpired || stateErr.Operation != "commit" {
		t.Fatalf("unexpected conflict detail: %+v", stateErr)
	}
	if n := countOutbox(t, models.EventTypeReservationCommitConflict, "ORD-3001"); n != 1 {
		t.Fatalf("expected 1 ReservationCommitConflict event; got %d", n)
	}
	record = mustGetRecord(t, ctx, "MILK-1L", loc.ID)
	if record.TotalQty != 5 || record.ReservedQty != 0 {
		t.Fatalf("failed commit moved stock: total=%d reserved=%d", record.TotalQty, record.ReservedQty)
	}

	// The order_ref is burned; reserving under it again is refused.
	_, err = workflow.ReserveStock(ctx, &models.NewReservation{
		OrderRef: "ORD-3001",
		Lines:    []models.NewReservationLine{{Sku: "MILK-1L", LocationId: loc.ID, Qty: 1}},
	})
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError for reused order_ref; got %v", err)
	}
}

// Two orders race for the last units; the version check lets exactly one
// through and the loser gets an honest shortfall, never oversell.
func TestConcurrentReserves_OversellPrevented(t *testing.T) {
	ctx := bootInventoryStack(t)

	loc := mustCreateLocation(t, ctx, "Yangon Central", "YGN-01")
	mustProvision(t, ctx, "EGGS-12", loc.ID, 10)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = workflow.ReserveStock(ctx, &models.NewReservation{
				OrderRef: fmt.Sprintf("ORD-40%02d", i),
				Lines:    []models.NewReservationLine{{Sku: "EGGS-12", LocationId: loc.ID, Qty: 7}},
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	var loser int
	for i, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var insErr *models.InsufficientStockError
		if !errors.As(err, &insErr) {
			t.Fatalf("racer %d failed with unexpected error: %v", i, err)
		}
		loser = i
		if l := insErr.Lines[0]; l.Requested != 7 || l.Available != 3 {
			t.Fatalf("loser shortfall: %+v", l)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner; got %d (errs=%v)", winners, errs)
	}

	record := mustGetRecord(t, ctx, "EGGS-12", loc.ID)
	if record.ReservedQty != 7 {
		t.Fatalf("after race: reserved=%d", record.ReservedQty)
	}

	// The loser retries with what is left and succeeds.
	if _, err := workflow.ReserveStock(ctx, &models.NewReservation{
		OrderRef: fmt.Sprintf("ORD-40%02d-retry", loser),
		Lines:    []models.NewReservationLine{{Sku: "EGGS-12", LocationId: loc.ID, Qty: 3}},
	}); err != nil {
		t.Fatalf("retry at reduced qty: %v", err)
	}
	record = mustGetRecord(t, ctx, "EGGS-12", loc.ID)
	if record.ReservedQty != 10 || record.AvailableQty() != 0 {
		t.Fatalf("after retry: reserved=%d available=%d", record.ReservedQty, record.AvailableQty())
	}

	// Nothing left; one more unit must be refused.
	_, err := workflow.ReserveStock(ctx, &models.NewReservation{
		OrderRef: "ORD-4099",
		Lines:    []models.NewReservationLine{{Sku: "EGGS-12", LocationId: loc.ID, Qty: 1}},
	})
	var insErr *models.InsufficientStockError
	if !errors.As(err, &insErr) {
		t.Fatalf("expected InsufficientStockError at zero availability; got %v", err)
	}

	// The refused reserve left nothing behind, so releasing the winner's hold
	// lets the same order_ref through on the next try.
	winnerRes, err := models.GetReservationByOrderRef(ctx, fmt.Sprintf("ORD-40%02d", 1-loser))
	if err != nil {
		t.Fatalf("GetReservationByOrderRef winner: %v", err)
	}
	if _, err := workflow.ReleaseReservation(ctx, winnerRes.Id, "order cancelled"); err != nil {
		t.Fatalf("release winner: %v", err)
	}
	if _, err := workflow.ReserveStock(ctx, &models.NewReservation{
		OrderRef: "ORD-4099",
		Lines:    []models.NewReservationLine{{Sku: "EGGS-12", LocationId: loc.ID, Qty: 1}},
	}); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}

	record = mustGetRecord(t, ctx, "EGGS-12", loc.ID)
	if record.ReservedQty != 4 {
		t.Fatalf("after release and re-reserve: reserved=%d", record.ReservedQty)
	}
	sums, err := models.MovementSums(ctx, "EGGS-12", loc.ID)
	if err != nil {
		t.Fatalf("MovementSums: %v", err)
	}
	if sums.ReservedSum != record.ReservedQty || sums.TotalSum != record.TotalQty {
		t.Fatalf("audit trail drifted after race: %+v vs ledger total=%d reserved=%d",
			sums, record.TotalQty, record.ReservedQty)
	}
}

/* shared test plumbing */

// bootInventoryStack starts throwaway MySQL and Redis containers, points the
// config globals at them and migrates the schema. Each test owns its
// containers; t.Cleanup tears them down.
func bootInventoryStack(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "inventory_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetServiceInContext(ctx, "tests")
	return ctx
}

func mustCreateLocation(t *testing.T, ctx context.Context, name, code string) *models.Location {
	t.Helper()
	loc, err := models.CreateLocation(ctx, &models.NewLocation{Name: name, Code: code, City: "Yangon"})
	if err != nil {
		t.Fatalf("CreateLocation %s: %v", code, err)
	}
	return loc
}

func mustProvision(t *testing.T, ctx context.Context, sku string, locationId int, qty int64) *models.StockRecord {
	t.Helper()
	record, err := models.ProvisionStockRecord(ctx, &models.NewStockRecord{
		Sku:        sku,
		LocationId: locationId,
		InitialQty: qty,
	})
	if err != nil {
		t.Fatalf("ProvisionStockRecord %s: %v", sku, err)
	}
	return record
}

func mustGetRecord(t *testing.T, ctx context.Context, sku string, locationId int) *models.StockRecord {
	t.Helper()
	record, err := models.GetStockRecord(ctx, sku, locationId)
	if err != nil {
		t.Fatalf("GetStockRecord %s@%d: %v", sku, locationId, err)
	}
	return record
}

func countOutbox(t *testing.T, eventType, orderRef string) int64 {
	t.Helper()
	var n int64
	err := config.GetDB().Model(&models.OutboxMessage{}).
		Where("event_type = ? AND order_ref = ?", eventType, orderRef).
		Count(&n).Error
	if err != nil {
		t.Fatalf("count outbox %s/%s: %v", eventType, orderRef, err)
	}
	return n
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("inventory-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("inventory-test-mysql-%d", time.Now().UnixNano())
	// READ COMMITTED matches production: the version-conflict retry depends
	// on re-reads observing rows other transactions committed meanwhile.
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=inventory_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
		"--transaction-isolation=READ-COMMITTED",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
