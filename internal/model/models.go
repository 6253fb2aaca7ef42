package model

import (
	"fmt"
	"slices"
	"strings"

	"portcon-analyzer/internal/mls"
	"portcon-analyzer/internal/utils"
)

type Protocol string // "tcp", "udp", "dccp", "sctp"

const (
	TCP  Protocol = "tcp"
	UDP  Protocol = "udp"
	DCCP Protocol = "dccp"
	SCTP Protocol = "sctp"
)

var Protocols = []Protocol{TCP, UDP, DCCP, SCTP}

// ParseProtocol accepts a protocol name in any case. An empty name yields the
// empty protocol.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	if p == "" || slices.Contains(Protocols, p) {
		return p, nil
	}
	return "", fmt.Errorf("unknown protocol %q (want one of tcp, udp, dccp, sctp)", s)
}

type Context struct {
	User  string
	Role  string
	Type  string
	Range *mls.Range // nil unless the policy is MLS
}

func (c Context) String() string {
	s := c.User + ":" + c.Role + ":" + c.Type
	if c.Range != nil {
		s += ":" + c.Range.String()
	}
	return s
}

// Statement is a single portcon rule.
type Statement struct {
	Protocol Protocol
	PortLow  int
	PortHigh int
	Context  Context
}

func (s Statement) Ports() utils.PortRange {
	return utils.PortRange{Low: s.PortLow, High: s.PortHigh}
}

func (s Statement) String() string {
	return fmt.Sprintf("portcon %s %s %s", s.Protocol, s.Ports(), s.Context)
}

type Policy struct {
	Statements    []Statement
	Users         []string
	Roles         []string
	Types         []string
	Sensitivities []string // dominance order, lowest first
	Categories    []string
	Ordering      *mls.Ordering // nil unless MLS
}

func (p *Policy) MLS() bool {
	return p.Ordering != nil
}

func (p *Policy) HasUser(name string) bool { return slices.Contains(p.Users, name) }
func (p *Policy) HasRole(name string) bool { return slices.Contains(p.Roles, name) }
func (p *Policy) HasType(name string) bool { return slices.Contains(p.Types, name) }
