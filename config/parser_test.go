package config

import "testing"

func TestParseBasicProxy(t *testing.T) {
	cfg, err := Parse([]byte(`
		proxy 127.0.0.1:443;
	`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.HaveProxy {
		t.Fatal("HaveProxy should be true")
	}
	if len(cfg.Targets) != 1 {
		t.Fatalf("len(Targets) = %d, want 1", len(cfg.Targets))
	}
	if cfg.Targets[0].ClusterID != 0 {
		t.Fatalf("bare proxy should land in cluster 0, got %d", cfg.Targets[0].ClusterID)
	}
}

func TestParseRejectsMissingSemicolon(t *testing.T) {
	_, err := Parse([]byte(`proxy 127.0.0.1:443`))
	if err == nil {
		t.Fatal("expected error for missing trailing ';'")
	}
}

func TestParseRejectsNoProxyDirective(t *testing.T) {
	_, err := Parse([]byte(`timeout 1000;`))
	if err == nil {
		t.Fatal("expected error for no proxy directive")
	}
}

func TestParseRejectsIntermixedClusters(t *testing.T) {
	_, err := Parse([]byte(`
		proxy_for 1 10.0.0.1:443;
		proxy_for 2 10.0.0.2:443;
		proxy_for 1 10.0.0.3:443;
	`))
	if err == nil {
		t.Fatal("expected error for intermixed cluster-id groups")
	}
}

func TestParseAllowsContiguousRepeatedCluster(t *testing.T) {
	cfg, err := Parse([]byte(`
		proxy_for 1 10.0.0.1:443;
		proxy_for 1 10.0.0.2:443;
		proxy_for 2 10.0.0.3:443;
	`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cl, ok := cfg.ClusterByID(1)
	if !ok || len(cl.Targets) != 2 {
		t.Fatalf("cluster 1 should have 2 targets, got ok=%v targets=%v", ok, cl.Targets)
	}
}

func TestParseRejectsTimeoutOutOfRange(t *testing.T) {
	for _, ms := range []string{"5", "30001"} {
		_, err := Parse([]byte(`timeout ` + ms + `;
			proxy 127.0.0.1:443;`))
		if err == nil {
			t.Fatalf("expected error for timeout=%s", ms)
		}
	}
}

func TestParseRejectsMinExceedsMax(t *testing.T) {
	_, err := Parse([]byte(`
		max_connections 1;
		min_connections 5;
		proxy 127.0.0.1:443;
	`))
	if err == nil {
		t.Fatal("expected error for min_connections > max_connections")
	}
}

func TestParseTargetsCaptureMinMaxAtDirectiveSite(t *testing.T) {
	cfg, err := Parse([]byte(`
		min_connections 1;
		max_connections 2;
		proxy_for 1 10.0.0.1:443;
		max_connections 4;
		min_connections 3;
		proxy_for 1 10.0.0.2:443;
	`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cl, _ := cfg.ClusterByID(1)
	if cl.Targets[0].MinConns != 1 || cl.Targets[0].MaxConns != 2 {
		t.Fatalf("first target got min/max %d/%d, want 1/2", cl.Targets[0].MinConns, cl.Targets[0].MaxConns)
	}
	if cl.Targets[1].MinConns != 3 || cl.Targets[1].MaxConns != 4 {
		t.Fatalf("second target got min/max %d/%d, want 3/4", cl.Targets[1].MinConns, cl.Targets[1].MaxConns)
	}
}

func TestParseStripsComments(t *testing.T) {
	cfg, err := Parse([]byte(`
		# this is a comment
		proxy 127.0.0.1:443; # trailing comment
	`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Targets) != 1 {
		t.Fatalf("len(Targets) = %d, want 1", len(cfg.Targets))
	}
}

func TestParseHostPortBracketedIPv6(t *testing.T) {
	cfg, err := Parse([]byte(`proxy [::1]:443;`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Targets[0].Host != "::1" || cfg.Targets[0].Port != 443 {
		t.Fatalf("got host=%q port=%d", cfg.Targets[0].Host, cfg.Targets[0].Port)
	}
}

func TestParseHostPortLooseIPv6(t *testing.T) {
	cfg, err := Parse([]byte(`proxy ::1:443;`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Targets[0].Host != "::1" || cfg.Targets[0].Port != 443 {
		t.Fatalf("got host=%q port=%d", cfg.Targets[0].Host, cfg.Targets[0].Port)
	}
}

func TestParseDefaultClusterDirective(t *testing.T) {
	cfg, err := Parse([]byte(`
		default 5;
		proxy_for 5 10.0.0.1:443;
	`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.HaveDefault || cfg.DefaultClusterID != 5 {
		t.Fatalf("default cluster id not captured: have=%v id=%d", cfg.HaveDefault, cfg.DefaultClusterID)
	}
}

func TestParseRejectsOutOfRangeClusterID(t *testing.T) {
	_, err := Parse([]byte(`proxy_for 99999 10.0.0.1:443;`))
	if err == nil {
		t.Fatal("expected error for out-of-range cluster id")
	}
}
