package router

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Config
		wantErr bool
	}{
		{
			name: "empty",
			in:   "",
			want: Config{},
		},
		{
			name: "full",
			in: `
listen:
  - unix:path=/run/alljoyn/bus
  - tcp:host=127.0.0.1,port=9955
max_message_size: 65536
max_endpoints: 10
outbound_queue: 32
sessionless_ttl: 90s
call_timeout: 2s
`,
			want: Config{
				Listen:         []string{"unix:path=/run/alljoyn/bus", "tcp:host=127.0.0.1,port=9955"},
				MaxMessageSize: 65536,
				MaxEndpoints:   10,
				OutboundQueue:  32,
				SessionlessTTL: Duration(90 * time.Second),
				CallTimeout:    Duration(2 * time.Second),
			},
		},
		{
			name:    "unknown key",
			in:      "listen_on: [foo]\n",
			wantErr: true,
		},
		{
			name:    "bad duration",
			in:      "call_timeout: soon\n",
			wantErr: true,
		},
		{
			name:    "negative limit",
			in:      "max_endpoints: -1\n",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseConfig([]byte(tc.in))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseConfig succeeded, want error. Got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseConfig: %v", err)
			}
			if diff := cmp.Diff(got, tc.want, cmpopts.IgnoreFields(Config{}, "Logger", "Registerer")); diff != "" {
				t.Errorf("wrong config (-got+want):\n%s", diff)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	got := Config{MaxEndpoints: 3}.withDefaults()
	if got.Logger == nil {
		t.Error("withDefaults left Logger nil")
	}
	want := Config{
		MaxEndpoints:   3,
		OutboundQueue:  DefaultOutboundQueue,
		SessionlessTTL: Duration(DefaultSessionlessTTL),
		CallTimeout:    Duration(DefaultRouterCallTimeout),
	}
	if diff := cmp.Diff(got, want, cmpopts.IgnoreFields(Config{}, "Logger", "Registerer")); diff != "" {
		t.Errorf("wrong defaults (-got+want):\n%s", diff)
	}
}
