package packet

import "fmt"

// Tag selects how a packet is interpreted by the receiving node.
type Tag int32

const FirstSystemTag Tag = 0

// Control protocol tags.
const (
	TagLaunchSubtree Tag = FirstSystemTag + iota
	TagSubtreeInitDoneRpt
	TagShutdown
	TagShutdownAck
	TagNewStream
	TagNewHeteroStream
	TagNewInternalStream
	TagNewStreamAck
	TagDelStream
	TagCloseStream
	TagNewFilter
	TagSetFilterParamsUpstreamTrans
	TagSetFilterParamsUpstreamSync
	TagSetFilterParamsDownstream
	TagEvent
	TagNewChildFDConnection
	TagNewChildDataConnection
	TagFailureRpt
	TagRecoveryRpt
	TagPortUpdate
	TagEnablePerfData
	TagDisablePerfData
	TagCollectPerfData
	TagPrintPerfData
	TagEnableRecovery
	TagDisableRecovery
	TagTopoUpdate
	TagNetSettings
	TagEDTShutdown
	TagEDTRemoteShutdown
	TagKillSelf

	lastSystemTag
)

// FirstApplicationTag is the lowest tag available to tools.
const FirstApplicationTag Tag = 100

var tagNames = [...]string{
	"LAUNCH_SUBTREE",
	"SUBTREE_INITDONE_RPT",
	"SHUTDOWN",
	"SHUTDOWN_ACK",
	"NEW_STREAM",
	"NEW_HETERO_STREAM",
	"NEW_INTERNAL_STREAM",
	"NEW_STREAM_ACK",
	"DEL_STREAM",
	"CLOSE_STREAM",
	"NEW_FILTER",
	"SET_FILTERPARAMS_UPSTREAM_TRANS",
	"SET_FILTERPARAMS_UPSTREAM_SYNC",
	"SET_FILTERPARAMS_DOWNSTREAM",
	"EVENT",
	"NEW_CHILD_FD_CONNECTION",
	"NEW_CHILD_DATA_CONNECTION",
	"FAILURE_RPT",
	"RECOVERY_RPT",
	"PORT_UPDATE",
	"ENABLE_PERFDATA",
	"DISABLE_PERFDATA",
	"COLLECT_PERFDATA",
	"PRINT_PERFDATA",
	"ENABLE_RECOVERY",
	"DISABLE_RECOVERY",
	"TOPO_UPDATE",
	"NET_SETTINGS",
	"EDT_SHUTDOWN",
	"EDT_REMOTE_SHUTDOWN",
	"KILL_SELF",
}

// IsControl reports whether t belongs to the control protocol.
func (t Tag) IsControl() bool {
	return t >= FirstSystemTag && t < lastSystemTag
}

func (t Tag) String() string {
	if t.IsControl() {
		return tagNames[t-FirstSystemTag]
	}
	return fmt.Sprintf("TAG(%d)", int32(t))
}
