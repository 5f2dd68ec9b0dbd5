package monitor_test

import (
	"errors"
	"testing"

	"github.com/forgecache/cachecore/internal/monitor"
)

func TestHealthReportAllHealthy(t *testing.T) {
	m := monitor.New(nil)
	m.RegisterCheck("cas_writable", monitor.CASWritableCheck(func() error { return nil }))
	m.RegisterCheck("signer_loaded", monitor.SignerLoadedCheck(func() bool { return true }))

	report := m.HealthReport()
	if report.Overall != monitor.StatusHealthy {
		t.Errorf("expected overall healthy, got %v", report.Overall)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
}

func TestHealthReportUnhealthyDominates(t *testing.T) {
	m := monitor.New(nil)
	m.RegisterCheck("cas_writable", monitor.CASWritableCheck(func() error { return errors.New("disk full") }))
	m.RegisterCheck("signer_loaded", monitor.SignerLoadedCheck(func() bool { return true }))

	report := m.HealthReport()
	if report.Overall != monitor.StatusUnhealthy {
		t.Errorf("expected overall unhealthy when any check fails, got %v", report.Overall)
	}
}

func TestAuditChainIntactCheckReportsProblem(t *testing.T) {
	check := monitor.AuditChainIntactCheck(func() (string, error) {
		return "hash chain broken at entry 42", nil
	})
	result := check()
	if result.Status != monitor.StatusUnhealthy {
		t.Errorf("expected unhealthy status, got %v", result.Status)
	}
	if result.Detail == "" {
		t.Error("expected a detail message describing the chain break")
	}
}

func TestCapabilityAuthorityReadyCheck(t *testing.T) {
	check := monitor.CapabilityAuthorityReadyCheck(func() bool { return false })
	result := check()
	if result.Status != monitor.StatusUnhealthy {
		t.Errorf("expected unhealthy when authority not ready, got %v", result.Status)
	}
}

func TestHealthReportChecksRunInNameOrder(t *testing.T) {
	m := monitor.New(nil)
	var order []string
	register := func(name string) monitor.CheckFunc {
		return func() monitor.CheckResult {
			order = append(order, name)
			return monitor.CheckResult{Name: name, Status: monitor.StatusHealthy}
		}
	}
	m.RegisterCheck("zebra", register("zebra"))
	m.RegisterCheck("alpha", register("alpha"))

	m.HealthReport()
	if len(order) != 2 || order[0] != "alpha" || order[1] != "zebra" {
		t.Errorf("expected checks to run in sorted name order, got %v", order)
	}
}
