package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/redcon"

	"github.com/10yihang/treenet/internal/network"
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/perfdata"
	"github.com/10yihang/treenet/pkg/bytes"
)

const defaultEvents = 20

type CommandFunc func(ctx context.Context, conn redcon.Conn, args [][]byte)

// Handler executes console commands against one node.
type Handler struct {
	net      *network.Network
	commands map[string]CommandFunc
}

func NewHandler(n *network.Network) *Handler {
	h := &Handler{
		net:      n,
		commands: make(map[string]CommandFunc),
	}
	h.registerCommands()
	return h
}

func (h *Handler) registerCommands() {
	h.commands["PING"] = h.cmdPing
	h.commands["QUIT"] = h.cmdQuit
	h.commands["INFO"] = h.cmdInfo

	h.commands["TOPOLOGY"] = h.cmdTopology
	h.commands["PEERS"] = h.cmdPeers
	h.commands["STREAMS"] = h.cmdStreams
	h.commands["ROUTES"] = h.cmdRoutes
	h.commands["EVENTS"] = h.cmdEvents
	h.commands["PERFDATA"] = h.cmdPerfData

	h.commands["RECOVERY"] = h.cmdRecovery
	h.commands["KILL"] = h.cmdKill
}

func (h *Handler) ExecuteBytes(ctx context.Context, conn redcon.Conn, cmdBytes []byte, args [][]byte) {
	name := strings.ToUpper(bytes.BytesToString(cmdBytes))
	fn, ok := h.commands[name]
	if !ok {
		conn.WriteError("ERR unknown command '" + name + "'")
		return
	}
	fn(ctx, conn, args)
}

func wrongArgs(conn redcon.Conn, cmd string) {
	conn.WriteError("ERR wrong number of arguments for '" + cmd + "' command")
}

func (h *Handler) cmdPing(_ context.Context, conn redcon.Conn, args [][]byte) {
	switch len(args) {
	case 0:
		conn.WriteString("PONG")
	case 1:
		conn.WriteBulk(args[0])
	default:
		wrongArgs(conn, "ping")
	}
}

func (h *Handler) cmdQuit(_ context.Context, conn redcon.Conn, _ [][]byte) {
	conn.WriteString("OK")
	conn.Close()
}

func (h *Handler) cmdInfo(_ context.Context, conn redcon.Conn, _ [][]byte) {
	n := h.net
	var b strings.Builder

	b.WriteString("# Node\r\n")
	fmt.Fprintf(&b, "rank:%d\r\n", n.Rank())
	fmt.Fprintf(&b, "role:%s\r\n", n.Role())
	fmt.Fprintf(&b, "host:%s\r\n", n.Host())
	fmt.Fprintf(&b, "port:%d\r\n", n.Port())
	fmt.Fprintf(&b, "session:%s\r\n", n.Session())

	b.WriteString("\r\n# Tree\r\n")
	if t := n.Topology(); t != nil {
		fmt.Fprintf(&b, "nodes:%d\r\n", t.Len())
		fmt.Fprintf(&b, "backends:%d\r\n", len(t.Leaves()))
		fmt.Fprintf(&b, "topology_version:%d\r\n", t.Version())
	}
	fmt.Fprintf(&b, "peers:%d\r\n", len(n.Peers()))
	fmt.Fprintf(&b, "streams:%d\r\n", len(n.Streams()))
	recovery := 0
	if n.RecoveryEnabled() {
		recovery = 1
	}
	fmt.Fprintf(&b, "recovery:%d\r\n", recovery)

	b.WriteString("\r\n# Events\r\n")
	fmt.Fprintf(&b, "events:%d\r\n", n.Events().Len())

	conn.WriteBulkString(b.String())
}

func (h *Handler) cmdTopology(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 0 {
		wrongArgs(conn, "topology")
		return
	}
	t := h.net.Topology()
	if t == nil {
		conn.WriteNull()
		return
	}
	conn.WriteBulkString(t.String())
}

func (h *Handler) cmdPeers(_ context.Context, conn redcon.Conn, _ [][]byte) {
	peers := h.net.Peers()
	conn.WriteArray(len(peers))
	for _, p := range peers {
		conn.WriteBulkString(fmt.Sprintf("%d %s %s incarnation=%d sent=%d/%dB recv=%d/%dB",
			p.Rank, p.Addr, p.Role, p.Incarnation,
			p.Stats.PacketsSent, p.Stats.BytesSent, p.Stats.PacketsRecv, p.Stats.BytesRecv))
	}
}

func (h *Handler) cmdStreams(_ context.Context, conn redcon.Conn, _ [][]byte) {
	streams := h.net.Streams()
	conn.WriteArray(len(streams))
	for _, st := range streams {
		up, syncF, down := st.Filters()
		conn.WriteBulkString(fmt.Sprintf("%d endpoints=%s peers=%s up=%s sync=%s down=%s",
			st.ID(), joinRanks(st.Endpoints()), joinRanks(st.Peers()), up, syncF, down))
	}
}

func joinRanks(rs []packet.Rank) string {
	strs := make([]string, len(rs))
	for i, r := range rs {
		strs[i] = strconv.FormatUint(uint64(r), 10)
	}
	return strings.Join(strs, ",")
}

// cmdRoutes lists "rank outlet" pairs, ordered by rank.
func (h *Handler) cmdRoutes(_ context.Context, conn redcon.Conn, _ [][]byte) {
	routes := h.net.Router().Routes()
	ranks := make([]packet.Rank, 0, len(routes))
	for r := range routes {
		ranks = append(ranks, r)
	}
	slices.Sort(ranks)
	conn.WriteArray(len(ranks))
	for _, r := range ranks {
		conn.WriteBulkString(fmt.Sprintf("%d %d", r, routes[r]))
	}
}

func (h *Handler) cmdEvents(_ context.Context, conn redcon.Conn, args [][]byte) {
	n := defaultEvents
	switch len(args) {
	case 0:
	case 1:
		v, err := strconv.Atoi(string(args[0]))
		if err != nil || v < 0 {
			conn.WriteError("ERR value is not a valid count")
			return
		}
		n = v
	default:
		wrongArgs(conn, "events")
		return
	}
	events := h.net.Events().Recent(n)
	conn.WriteArray(len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			conn.WriteNull()
			continue
		}
		conn.WriteBulk(data)
	}
}

// cmdPerfData reads archived collections: PERFDATA stream metric [limit].
func (h *Handler) cmdPerfData(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 || len(args) > 3 {
		wrongArgs(conn, "perfdata")
		return
	}
	a := h.net.Archive()
	if a == nil {
		conn.WriteError("ERR no perf data archive on this node")
		return
	}
	id, err := strconv.ParseUint(string(args[0]), 10, 32)
	if err != nil {
		conn.WriteError("ERR invalid stream id")
		return
	}
	met, ok := perfdata.ParseMetric(string(args[1]))
	if !ok {
		conn.WriteError("ERR unknown metric '" + string(args[1]) + "'")
		return
	}
	limit := 0
	if len(args) == 3 {
		if limit, err = strconv.Atoi(string(args[2])); err != nil {
			conn.WriteError("ERR value is not a valid limit")
			return
		}
	}

	recs, err := a.Query(ctx, uint32(id), met, limit)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteArray(len(recs))
	for _, r := range recs {
		vals := make([]string, len(r.Values))
		for i, d := range r.Values {
			vals[i] = d.Format(met.Type())
		}
		conn.WriteBulkString(fmt.Sprintf("%s %d %s %s",
			r.At.Format(time.RFC3339Nano), r.Rank, r.Context, strings.Join(vals, ",")))
	}
}

func (h *Handler) cmdRecovery(_ context.Context, conn redcon.Conn, args [][]byte) {
	switch len(args) {
	case 0:
		if h.net.RecoveryEnabled() {
			conn.WriteString("on")
		} else {
			conn.WriteString("off")
		}
		return
	case 1:
	default:
		wrongArgs(conn, "recovery")
		return
	}
	if !h.net.IsRoot() {
		conn.WriteError("ERR recovery is switched from the front end")
		return
	}
	switch strings.ToLower(string(args[0])) {
	case "on":
		h.net.EnableRecovery()
	case "off":
		h.net.DisableRecovery()
	default:
		conn.WriteError("ERR syntax error")
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) cmdKill(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		wrongArgs(conn, "kill")
		return
	}
	r, err := strconv.ParseUint(string(args[0]), 10, 32)
	if err != nil {
		conn.WriteError("ERR invalid rank")
		return
	}
	if err := h.net.KillRank(packet.Rank(r)); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}
