package dhcpd

import (
	"bytes"
	"text/template"
)

// configModel is the fully resolved input to the template. Every slice is
// sorted by the compiler before rendering so that equal snapshots produce
// byte-identical output.
type configModel struct {
	VLANTag  uint16
	Version  uint64
	Failover *failoverModel
	Subnets  []subnetModel
	Hosts    []hostModel
}

type failoverModel struct {
	Name        string
	Address     string
	PeerAddress string
}

type subnetModel struct {
	IPv6       bool
	CIDR       string
	Network    string
	Netmask    string
	Broadcast  string
	Router     string
	DNS        string
	NTP        string
	NextServer string
	BootFile   string
	// RelaySource names the VLAN whose relay forwards into this pool, empty
	// for locally attached subnets.
	RelaySource string
	Pools       []poolModel
}

type poolModel struct {
	Low      string
	High     string
	Failover string
	IPv6     bool
}

type hostModel struct {
	Name string
	MAC  string
	IP   string
}

// configTemplate renders ISC dhcpd directive syntax. The output is the
// system boundary artifact consumed by the DHCP daemon on the rack, so its
// shape must stay bit-compatible with what dhcpd parses.
var configTemplate = template.Must(template.New("dhcpd.conf").Parse(`# DHCP configuration for vlan-{{.VLANTag}} at topology version {{.Version}}.
# Generated by metalwired. Do not edit: changes are overwritten on the next push.

authoritative;
ddns-update-style none;
omapi-port 7911;

default-lease-time 600;
max-lease-time 600;
{{if .Failover}}
failover peer "{{.Failover.Name}}" {
    primary;
    address {{.Failover.Address}};
    peer address {{.Failover.PeerAddress}};
    max-response-delay 60;
    max-unacked-updates 10;
    mclt 3600;
    split 255;
    load balance max seconds 3;
}
{{end}}
shared-network vlan-{{.VLANTag}} {
{{- range .Subnets}}
{{- if .RelaySource}}
    # Relayed pool: requests forwarded by the DHCP relay on {{.RelaySource}}
    # are matched to this subnet and served from its ranges.
{{- end}}
{{- if .IPv6}}
    subnet6 {{.CIDR}} {
{{- else}}
    subnet {{.Network}} netmask {{.Netmask}} {
        option subnet-mask {{.Netmask}};
        option broadcast-address {{.Broadcast}};
{{- end}}
{{- if .Router}}
        option routers {{.Router}};
{{- end}}
{{- if .DNS}}
        option domain-name-servers {{.DNS}};
{{- end}}
{{- if .NTP}}
        option ntp-servers {{.NTP}};
{{- end}}
{{- if .NextServer}}
        next-server {{.NextServer}};
{{- end}}
{{- if .BootFile}}
        filename "{{.BootFile}}";
{{- end}}
{{- range .Pools}}
        pool {
{{- if .Failover}}
            failover peer "{{.Failover}}";
{{- end}}
{{- if $.Failover}}
            deny dynamic bootp clients;
{{- end}}
{{- if .IPv6}}
            range6 {{.Low}} {{.High}};
{{- else}}
            range {{.Low}} {{.High}};
{{- end}}
        }
{{- end}}
    }
{{- end}}
}
{{range .Hosts}}
host {{.Name}} {
    hardware ethernet {{.MAC}};
    fixed-address {{.IP}};
}
{{end}}`))

func render(m *configModel) (string, error) {
	var buf bytes.Buffer
	if err := configTemplate.Execute(&buf, m); err != nil {
		return "", err
	}
	return buf.String(), nil
}
