package topology

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// ParseFile reads a topology file of the form
//
//	fe.example.org:0 => relay1:0 relay2:0 ;
//	relay1:0 => be1:0 be1:1 ;
//	relay2:0 => be2:0 ;
//
// Each "host:id" names one process. The single node that never appears on a
// right-hand side is the root. Ranks are assigned in preorder starting at 0
// for the root; ports are left unknown until processes report them.
func ParseFile(r io.Reader) (*Topology, error) {
	const op = "topology.ParseFile"

	var (
		order    []string
		children = make(map[string][]string)
		parentOf = make(map[string]string)
		known    = make(map[string]bool)
	)
	note := func(name string) {
		if !known[name] {
			known[name] = true
			order = append(order, name)
		}
	}

	sc := bufio.NewScanner(r)
	var (
		lhs     string
		inRHS   bool
		expectL = true
		tokens  []string
	)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.ReplaceAll(line, ";", " ; ")
		tokens = append(tokens, strings.Fields(line)...)
	}
	if err := sc.Err(); err != nil {
		return nil, terrors.New(terrors.CodeSystem, op, err)
	}
	for _, tok := range tokens {
		switch {
		case tok == ";":
			if lhs == "" {
				return nil, terrors.Newf(terrors.CodeTopologyFormat, op, "';' without a parent")
			}
			lhs, inRHS, expectL = "", false, true
		case tok == "=>":
			if lhs == "" || inRHS {
				return nil, terrors.Newf(terrors.CodeTopologyFormat, op, "misplaced '=>'")
			}
			inRHS = true
		default:
			if err := checkHostID(tok); err != nil {
				return nil, terrors.New(terrors.CodeTopologyFormat, op, err)
			}
			switch {
			case expectL:
				lhs, expectL = tok, false
				note(tok)
			case inRHS:
				if p, ok := parentOf[tok]; ok {
					return nil, terrors.Newf(terrors.CodeTopologyCycle, op, "%s has parents %s and %s", tok, p, lhs)
				}
				if tok == lhs {
					return nil, terrors.Newf(terrors.CodeTopologyCycle, op, "%s is its own child", tok)
				}
				parentOf[tok] = lhs
				children[lhs] = append(children[lhs], tok)
				note(tok)
			default:
				return nil, terrors.Newf(terrors.CodeTopologyFormat, op, "expected '=>' after %s, got %q", lhs, tok)
			}
		}
	}
	if lhs != "" {
		return nil, terrors.Newf(terrors.CodeTopologyFormat, op, "statement for %s not terminated by ';'", lhs)
	}
	if len(order) == 0 {
		return nil, terrors.Newf(terrors.CodeTopologyFormat, op, "empty topology")
	}

	var roots []string
	for _, name := range order {
		if _, ok := parentOf[name]; !ok {
			roots = append(roots, name)
		}
	}
	switch {
	case len(roots) == 0:
		return nil, terrors.Newf(terrors.CodeTopologyCycle, op, "every node has a parent")
	case len(roots) > 1:
		return nil, terrors.Newf(terrors.CodeTopologyNotConnected, op, "multiple roots: %s", strings.Join(roots, " "))
	}

	root := roots[0]
	t := New(0, hostOf(root), packet.UnknownPort)
	next := Rank(1)
	visited := map[string]bool{root: true}
	var assign func(name string, rank Rank) error
	assign = func(name string, rank Rank) error {
		for _, c := range children[name] {
			if visited[c] {
				return terrors.Newf(terrors.CodeTopologyCycle, op, "%s reached twice", c)
			}
			visited[c] = true
			cr := next
			next++
			internal := len(children[c]) > 0
			if _, err := t.AddNode(rank, cr, hostOf(c), packet.UnknownPort, internal); err != nil {
				return err
			}
			if err := assign(c, cr); err != nil {
				return err
			}
		}
		return nil
	}
	if err := assign(root, 0); err != nil {
		return nil, err
	}
	if len(visited) != len(order) {
		var lost []string
		for _, name := range order {
			if !visited[name] {
				lost = append(lost, name)
			}
		}
		return nil, terrors.Newf(terrors.CodeTopologyCycle, op, "unreachable nodes form a cycle: %s", strings.Join(lost, " "))
	}
	return t, nil
}

// ParseFileString is ParseFile over a string.
func ParseFileString(s string) (*Topology, error) {
	return ParseFile(strings.NewReader(s))
}

func checkHostID(tok string) error {
	i := strings.LastIndexByte(tok, ':')
	if i <= 0 || i == len(tok)-1 {
		return fmt.Errorf("node %q: want host:id", tok)
	}
	for _, c := range tok[i+1:] {
		if c < '0' || c > '9' {
			return fmt.Errorf("node %q: id must be numeric", tok)
		}
	}
	if strings.ContainsAny(tok[:i], "[]:") {
		return fmt.Errorf("node %q: host may not contain ':', '[' or ']'", tok)
	}
	return nil
}

func hostOf(tok string) string {
	return tok[:strings.LastIndexByte(tok, ':')]
}
