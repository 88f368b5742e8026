// Package transport parses and formats NVMe transport identifier
// strings (spec §6 "NVMe transport identifier string format"): a
// whitespace- or comma-separated, case-insensitive key:value token list addressing a
// PCIe function, a fabrics endpoint, or a vfio-user socket. Grounded on
// the teacher's internal/uapi field-by-field marshal/unmarshal style
// (marshal.go): each recognized key maps onto exactly one Trid field,
// with an explicit error for malformed or unrecognized input rather
// than a silent partial parse.
package transport

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/reactorstore/reactorstore"
)

// TrType is the transport type token (spec §6).
type TrType string

const (
	TrTypePCIe     TrType = "PCIe"
	TrTypeRDMA     TrType = "RDMA"
	TrTypeTCP      TrType = "TCP"
	TrTypeVFIOUser TrType = "VFIOUSER"
	TrTypeCustom   TrType = "CUSTOM"
)

// AdrFam is the address family token (spec §6).
type AdrFam string

const (
	AdrFamIPv4 AdrFam = "IPv4"
	AdrFamIPv6 AdrFam = "IPv6"
	AdrFamIB   AdrFam = "IB"
	AdrFamFC   AdrFam = "FC"
)

// DiscoveryNQN is the default subnqn when none is supplied (spec §6:
// "subnqn:<nqn> (default: discovery NQN)").
const DiscoveryNQN = "nqn.2014-08.org.nvmexpress.discovery"

// Trid is a parsed transport identifier (spec §6, GLOSSARY "Trid").
type Trid struct {
	TrType     TrType
	AdrFam     AdrFam
	Traddr     string
	Trsvcid    string
	Subnqn     string
	AltTraddr  string // optional, for failover
	Nsid       uint32 // optional, 0 means "namespace selection unset"
	HasNsid    bool
	HasAdrFam  bool
	HasAltTrAd bool
}

// ParseTrid parses a transport identifier string of colon-keyed,
// whitespace- or comma-separated tokens, e.g. `trtype:PCIe traddr:0000:01:00.0` or
// `trtype:TCP adrfam:IPv4 traddr:10.0.0.1 trsvcid:4420 subnqn:nqn.2016-06.io.spdk:cnode1`.
// Tokens are whitespace- or comma-separated; keys are matched
// case-insensitively. traddr itself may contain colons (a PCI BDF), so
// only the first colon in each token splits key from value.
func ParseTrid(s string) (*Trid, error) {
	t := &Trid{Subnqn: DiscoveryNQN}

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	})
	if len(fields) == 0 {
		return nil, reactorstore.NewError("trid_parse", reactorstore.CodeInvalidArgument, "empty transport identifier")
	}

	sawTrtype := false
	for _, field := range fields {
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			return nil, reactorstore.NewComponentError("trid_parse", field, reactorstore.CodeInvalidArgument, "token missing ':key:value' separator")
		}

		switch strings.ToLower(key) {
		case "trtype":
			tt, err := parseTrType(value)
			if err != nil {
				return nil, err
			}
			t.TrType = tt
			sawTrtype = true
		case "adrfam":
			af, err := parseAdrFam(value)
			if err != nil {
				return nil, err
			}
			t.AdrFam = af
			t.HasAdrFam = true
		case "traddr":
			t.Traddr = value
		case "trsvcid":
			t.Trsvcid = value
		case "subnqn":
			t.Subnqn = value
		case "alt_traddr":
			t.AltTraddr = value
			t.HasAltTrAd = true
		case "ns":
			nsid, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, reactorstore.NewComponentError("trid_parse", field, reactorstore.CodeInvalidArgument, "ns must be an unsigned integer")
			}
			t.Nsid = uint32(nsid)
			t.HasNsid = true
		default:
			return nil, reactorstore.NewComponentError("trid_parse", key, reactorstore.CodeInvalidArgument, "unrecognized transport identifier key")
		}
	}

	if !sawTrtype {
		return nil, reactorstore.NewError("trid_parse", reactorstore.CodeInvalidArgument, "trtype is required")
	}
	if t.Traddr == "" {
		return nil, reactorstore.NewError("trid_parse", reactorstore.CodeInvalidArgument, "traddr is required")
	}
	return t, nil
}

func parseTrType(v string) (TrType, error) {
	switch strings.ToUpper(v) {
	case "PCIE":
		return TrTypePCIe, nil
	case "RDMA":
		return TrTypeRDMA, nil
	case "TCP":
		return TrTypeTCP, nil
	case "VFIOUSER":
		return TrTypeVFIOUser, nil
	case "CUSTOM":
		return TrTypeCustom, nil
	default:
		return "", reactorstore.NewComponentError("trid_parse", v, reactorstore.CodeInvalidArgument, "unrecognized trtype")
	}
}

func parseAdrFam(v string) (AdrFam, error) {
	switch strings.ToUpper(v) {
	case "IPV4":
		return AdrFamIPv4, nil
	case "IPV6":
		return AdrFamIPv6, nil
	case "IB":
		return AdrFamIB, nil
	case "FC":
		return AdrFamFC, nil
	default:
		return "", reactorstore.NewComponentError("trid_parse", v, reactorstore.CodeInvalidArgument, "unrecognized adrfam")
	}
}

// String formats t back into the canonical token form ParseTrid accepts.
func (t *Trid) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "trtype:%s", t.TrType)
	if t.HasAdrFam {
		fmt.Fprintf(&b, " adrfam:%s", t.AdrFam)
	}
	fmt.Fprintf(&b, " traddr:%s", t.Traddr)
	if t.Trsvcid != "" {
		fmt.Fprintf(&b, " trsvcid:%s", t.Trsvcid)
	}
	fmt.Fprintf(&b, " subnqn:%s", t.Subnqn)
	if t.HasAltTrAd {
		fmt.Fprintf(&b, " alt_traddr:%s", t.AltTraddr)
	}
	if t.HasNsid {
		fmt.Fprintf(&b, " ns:%d", t.Nsid)
	}
	return b.String()
}

// IsDiscovery reports whether t addresses a discovery controller (spec
// GLOSSARY "Discovery controller").
func (t *Trid) IsDiscovery() bool {
	return t.Subnqn == DiscoveryNQN
}

// Equal reports whether two Trids address the same endpoint, ignoring
// AltTraddr/Nsid which do not change controller identity.
func (t *Trid) Equal(other *Trid) bool {
	if other == nil {
		return false
	}
	return t.TrType == other.TrType && t.Traddr == other.Traddr &&
		t.Trsvcid == other.Trsvcid && t.Subnqn == other.Subnqn
}
