package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBadVerdict(t *testing.T) {
	cfg := &PolicyConfig{
		ContainerToContainer: &ContainerToContainer{
			DefaultPolicy: VerdictDrop,
			Rules: []ContainerToContainerRule{
				{Network: "net", Verdict: "allow"},
			},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, TableContainerToContainer, verr.Table)
	assert.Equal(t, 1, verr.Rule)
	assert.Contains(t, verr.Error(), "allow")
}

func TestValidateMissingDefaultPolicy(t *testing.T) {
	cfg := &PolicyConfig{
		ContainerToHost: &ContainerToHost{},
	}
	err := cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, TableContainerToHost, verr.Table)
	assert.Equal(t, "default_policy", verr.Field)
}

func TestValidateMissingNetwork(t *testing.T) {
	cfg := &PolicyConfig{
		ContainerToWiderWorld: &ContainerToWiderWorld{
			DefaultPolicy: VerdictAccept,
			Rules: []ContainerToWiderWorldRule{
				{Verdict: VerdictReject},
			},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "network", verr.Field)
}

func TestValidateMissingExposePort(t *testing.T) {
	cfg := &PolicyConfig{
		WiderWorldToContainer: &WiderWorldToContainer{
			Rules: []WiderWorldToContainerRule{
				{Network: "net", DstContainer: "web"},
			},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "expose_port", verr.Field)
}

func TestValidateBadCIDR(t *testing.T) {
	cfg := &PolicyConfig{
		WiderWorldToContainer: &WiderWorldToContainer{
			Rules: []WiderWorldToContainerRule{
				{
					Network:      "net",
					DstContainer: "web",
					ExposePorts:  ExposePortList{{HostPort: 80, Family: "tcp"}},
					SourceCIDRV4: StringList{"not-a-cidr"},
				},
			},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-cidr")
}

func TestValidateCIDRFamilyMismatch(t *testing.T) {
	cfg := &PolicyConfig{
		WiderWorldToContainer: &WiderWorldToContainer{
			Rules: []WiderWorldToContainerRule{
				{
					Network:      "net",
					DstContainer: "web",
					ExposePorts:  ExposePortList{{HostPort: 80, Family: "tcp"}},
					SourceCIDRV4: StringList{"2001:db8::/32"},
				},
			},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IPv6")
}

func TestValidateDNATRequiredFields(t *testing.T) {
	cfg := &PolicyConfig{
		ContainerDNAT: &ContainerDNAT{
			Rules: []ContainerDNATRule{
				{DstContainer: "web", ExposePorts: ExposePortList{{HostPort: 80, Family: "tcp"}}},
			},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, TableContainerDNAT, verr.Table)
	assert.Equal(t, "dst_network", verr.Field)
}

func TestValidateBadPortFamily(t *testing.T) {
	cfg := &PolicyConfig{
		WiderWorldToContainer: &WiderWorldToContainer{
			Rules: []WiderWorldToContainerRule{
				{
					Network:      "net",
					DstContainer: "web",
					ExposePorts:  ExposePortList{{HostPort: 80, Family: "sctp"}},
				},
			},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sctp")
}

func TestValidateEmptyConfig(t *testing.T) {
	cfg := &PolicyConfig{}
	assert.NoError(t, cfg.Validate())
}
