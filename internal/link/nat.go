package link

import (
	"net"

	"netsim/internal/netns"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	pkgerrors "github.com/pkg/errors"
)

func NewNftablesHandler() *NftablesHandler {
	return &NftablesHandler{}
}

// NftablesHandler keeps one ipv4 table per NAT network, so removing a
// network's rules is a single table delete.
type NftablesHandler struct{}

func (n *NftablesHandler) conn(ns netns.Namespace) (*nftables.Conn, error) {
	conn, err := nftables.New(nftables.WithNetNSFd(ns.Fd()))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "nftables in %s", ns.Name())
	}
	return conn, nil
}

// Masquerade rewrites traffic from the network's range that leaves through
// any other interface, and drops new connections into the range that do
// not originate on its own bridge.
func (n *NftablesHandler) Masquerade(ns netns.Namespace, rule NATRule) error {
	if err := ValidateName(rule.Bridge); err != nil {
		return err
	}
	conn, err := n.conn(ns)
	if err != nil {
		return err
	}

	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   rule.Table(),
	})

	postrouting := conn.AddChain(&nftables.Chain{
		Name:     "postrouting",
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: postrouting,
		Exprs: concat(
			matchPrefix(12, rule),
			matchIfname(expr.MetaKeyOIFNAME, expr.CmpOpNeq, rule.Bridge),
			[]expr.Any{&expr.Masq{}},
		),
	})

	accept := nftables.ChainPolicyAccept
	forward := conn.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &accept,
	})
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: forward,
		Exprs: concat(
			matchPrefix(16, rule),
			matchIfname(expr.MetaKeyIIFNAME, expr.CmpOpNeq, rule.Bridge),
			matchCtNew(),
			[]expr.Any{
				&expr.Counter{},
				&expr.Verdict{Kind: expr.VerdictDrop},
			},
		),
	})

	if err := conn.Flush(); err != nil {
		return pkgerrors.Wrapf(err, "apply nat rules for %s", rule.Prefix)
	}
	return nil
}

func (n *NftablesHandler) RemoveMasquerade(ns netns.Namespace, rule NATRule) error {
	conn, err := n.conn(ns)
	if err != nil {
		return err
	}
	conn.DelTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   rule.Table(),
	})
	if err := conn.Flush(); err != nil {
		return pkgerrors.Wrapf(err, "remove nat rules for %s", rule.Prefix)
	}
	return nil
}

func concat(parts ...[]expr.Any) []expr.Any {
	var out []expr.Any
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// matchPrefix compares the ipv4 address at offset (12 source, 16
// destination) against the rule's range.
func matchPrefix(offset uint32, rule NATRule) []expr.Any {
	prefix := rule.Prefix.Masked()
	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          4,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           net.CIDRMask(prefix.Bits(), 32),
			Xor:            []byte{0, 0, 0, 0},
		},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     prefix.Addr().AsSlice(),
		},
	}
}

func matchIfname(key expr.MetaKey, op expr.CmpOp, name string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: key, Register: 1},
		&expr.Cmp{
			Op:       op,
			Register: 1,
			Data:     []byte(name + "\x00"),
		},
	}
}

func matchCtNew() []expr.Any {
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitNEW),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{
			Op:       expr.CmpOpNeq,
			Register: 1,
			Data:     []byte{0, 0, 0, 0},
		},
	}
}
