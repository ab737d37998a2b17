package util

import "testing"

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"kaspa:qr0e7qmtpwcfeatrxqf8kalra2j2hqzqykqsqx8dvc2mgv2rket2vc26lk4rx", true},
		{"kaspa:qrx", true},
		{"kaspatest:qz7ulu8mmd45lrr8088pwdqgw29ylkrkrjsrc27ge2q", true},
		{"kaspa:", false},
		{"kaspa:QRUPPER", false},       // uppercase not in charset
		{"kaspa:qr1", false},           // '1' not in charset
		{"bitcoin:qrx234", false},      // unknown prefix
		{"qr0e7qmtpwcfeatrxqf8", false}, // no prefix
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := ValidateAddress(tt.addr); got != tt.want {
				t.Errorf("ValidateAddress(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestSplitWorkerID(t *testing.T) {
	tests := []struct {
		input       string
		wantAddress string
		wantWorker  string
	}{
		{"kaspa:qrx.worker1", "kaspa:qrx", "worker1"},
		{"kaspa:qrx.rig.secondary", "kaspa:qrx", "rig.secondary"},
		{"kaspa:qrx", "kaspa:qrx", "default"},
		{"", "", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			addr, worker := SplitWorkerID(tt.input)
			if addr != tt.wantAddress || worker != tt.wantWorker {
				t.Errorf("SplitWorkerID(%q) = (%q, %q), want (%q, %q)",
					tt.input, addr, worker, tt.wantAddress, tt.wantWorker)
			}
		})
	}
}
