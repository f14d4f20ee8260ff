package uhubctl

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sergev/gammaspec/logger"
	"github.com/sergev/gammaspec/transport"
)

// recorder captures the command lines passed to the runner
type recorder struct {
	calls []string
	fail  string // action to fail
}

func (r *recorder) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	line := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, line)
	if r.fail != "" && strings.Contains(line, "-a "+r.fail) {
		return []byte("No compatible devices detected"), errors.New("exit status 1")
	}
	return []byte("ok"), nil
}

func testCycler(r *recorder) *Cycler {
	return &Cycler{
		Binary: "uhubctl",
		run:    r.run,
		log:    logger.Or(nil),
	}
}

func TestPowerCycle(t *testing.T) {
	r := &recorder{}
	c := testCycler(r)

	err := c.PowerCycle(context.Background(), transport.Location{Bus: 1, Path: []int{2, 4}})
	if err != nil {
		t.Fatalf("PowerCycle() returned error: %v", err)
	}
	expected := []string{
		"uhubctl -a off -l 1-2 -p 4",
		"uhubctl -a on -l 1-2 -p 4",
	}
	if len(r.calls) != len(expected) {
		t.Fatalf("got %d calls, expected %d: %v", len(r.calls), len(expected), r.calls)
	}
	for i := range expected {
		if r.calls[i] != expected[i] {
			t.Errorf("call %d = %q, expected %q", i, r.calls[i], expected[i])
		}
	}
}

func TestPowerCycleOverride(t *testing.T) {
	r := &recorder{}
	c := testCycler(r)
	c.Hub = "3-1"
	c.Port = 2

	if err := c.PowerCycle(context.Background(), transport.Location{Bus: 1}); err != nil {
		t.Fatalf("PowerCycle() returned error: %v", err)
	}
	if r.calls[0] != "uhubctl -a off -l 3-1 -p 2" {
		t.Errorf("call 0 = %q", r.calls[0])
	}
}

func TestPowerCycleRootLocation(t *testing.T) {
	c := testCycler(&recorder{})
	if err := c.PowerCycle(context.Background(), transport.Location{Bus: 1}); err == nil {
		t.Errorf("PowerCycle() of a root location should fail")
	}
}

func TestPowerCycleFailure(t *testing.T) {
	r := &recorder{fail: "off"}
	c := testCycler(r)

	err := c.PowerCycle(context.Background(), transport.Location{Bus: 1, Path: []int{3}})
	if err == nil {
		t.Fatalf("PowerCycle() should fail")
	}
	if !strings.Contains(err.Error(), "No compatible devices detected") {
		t.Errorf("error %q should carry the uhubctl output", err)
	}
	if len(r.calls) != 1 {
		t.Errorf("got %d calls, expected 1", len(r.calls))
	}
}

func TestPowerCycleCancelledRestoresPower(t *testing.T) {
	r := &recorder{}
	c := testCycler(r)
	c.OffTime = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.PowerCycle(ctx, transport.Location{Bus: 1, Path: []int{3}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("PowerCycle() returned %v, expected deadline exceeded", err)
	}
	if len(r.calls) != 2 || r.calls[1] != "uhubctl -a on -l 1 -p 3" {
		t.Errorf("port was not switched back on: %v", r.calls)
	}
}
