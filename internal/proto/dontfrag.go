// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"github.com/pion/stun/v2"
)

// DontFragmentAttr is the DONT-FRAGMENT attribute. It carries no value, a
// client includes it to ask for the DF bit on datagrams relayed to peers.
//
// RFC 5766 Section 14.8
type DontFragmentAttr struct{}

// AddTo adds DONT-FRAGMENT to m.
func (DontFragmentAttr) AddTo(m *stun.Message) error {
	m.Add(stun.AttrDontFragment, nil)

	return nil
}

// GetFrom returns stun.ErrAttributeNotFound when m has no DONT-FRAGMENT and
// an attribute size error when the attribute carries a value.
func (DontFragmentAttr) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrDontFragment)
	if err != nil {
		return err
	}

	return stun.CheckSize(stun.AttrDontFragment, len(v), 0)
}

// IsSet reports whether m carries DONT-FRAGMENT.
func (DontFragmentAttr) IsSet(m *stun.Message) bool {
	return m.Contains(stun.AttrDontFragment)
}
