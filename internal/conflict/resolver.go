package conflict

import (
	"fmt"

	"github.com/roach88/fieldsync/internal/model"
)

// Verdict is the outcome of conflict resolution.
type Verdict int

const (
	// RetryWithRemoteBase resubmits the local change on top of the fresher
	// remote version.
	RetryWithRemoteBase Verdict = iota + 1

	// DiscardLocal drops the queued operation and adopts the remote state.
	DiscardLocal

	// RequireManualResolution leaves the operation Failed until the user
	// picks a side.
	RequireManualResolution
)

func (v Verdict) String() string {
	switch v {
	case RetryWithRemoteBase:
		return "retry_with_remote_base"
	case DiscardLocal:
		return "discard_local"
	case RequireManualResolution:
		return "require_manual_resolution"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Decision is a verdict plus what the caller needs to act on it.
type Decision struct {
	Verdict Verdict
	Reason  string

	// Payload, Base and BaseVersion form the rebased operation for
	// RetryWithRemoteBase.
	Payload     model.Record
	Base        model.Record
	BaseVersion int64

	// Overlap lists fields changed on both sides to different values.
	Overlap []string
}

// Policy selects the resolution strategy.
type Policy string

const (
	PolicyMerge      Policy = "merge"
	PolicyLocalWins  Policy = "local-wins"
	PolicyRemoteWins Policy = "remote-wins"
	PolicyManual     Policy = "manual"
)

// ParsePolicy validates a policy name. The empty string selects merge.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return PolicyMerge, nil
	case PolicyMerge, PolicyLocalWins, PolicyRemoteWins, PolicyManual:
		return p, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q (want merge, local-wins, remote-wins or manual)", s)
}

// Resolver applies a Policy.
type Resolver struct {
	policy Policy
}

// NewResolver creates a resolver for policy.
func NewResolver(policy Policy) *Resolver {
	if policy == "" {
		policy = PolicyMerge
	}
	return &Resolver{policy: policy}
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy { return r.policy }

// Resolve decides the outcome for op given the remote's current state.
// A nil remote means the server reported a conflict without state, which
// always needs the user.
func (r *Resolver) Resolve(op model.Operation, remote *model.RemoteState) Decision {
	if remote == nil {
		return manual("remote state unavailable")
	}
	if remote.Duplicate {
		if r.policy == PolicyRemoteWins {
			return Decision{Verdict: DiscardLocal, Reason: "equivalent record already exists remotely"}
		}
		return manual("equivalent record already exists remotely")
	}

	switch r.policy {
	case PolicyManual:
		return manual("manual policy")
	case PolicyRemoteWins:
		return Decision{Verdict: DiscardLocal, Reason: "remote wins"}
	case PolicyLocalWins:
		d, err := Force(op, remote)
		if err != nil {
			return manual(err.Error())
		}
		return d
	}
	return merge(op, remote)
}

func merge(op model.Operation, remote *model.RemoteState) Decision {
	switch op.Kind {
	case model.KindDelete:
		if remote.Deleted {
			return Decision{Verdict: DiscardLocal, Reason: "already deleted remotely"}
		}
		return manual("delete conflicts with a remote update")
	case model.KindCreate:
		return manual("create conflicted remotely")
	}

	if remote.Deleted {
		return manual("update conflicts with a remote delete")
	}
	if op.Base == nil {
		return manual("no base snapshot to diff against")
	}

	local := model.ChangedFields(op.Base, op.Payload)
	theirs := model.ChangedFields(op.Base, remote.Data)

	changedRemotely := make(map[string]bool, len(theirs))
	for _, f := range theirs {
		changedRemotely[f] = true
	}

	var overlap, pending []string
	for _, f := range local {
		lv, lok := op.Payload[f]
		rv, rok := remote.Data[f]
		if lok == rok && (!lok || model.ValuesEqual(lv, rv)) {
			// Both sides already agree on this field.
			continue
		}
		if changedRemotely[f] {
			overlap = append(overlap, f)
			continue
		}
		pending = append(pending, f)
	}

	if len(overlap) > 0 {
		d := manual(fmt.Sprintf("fields changed on both sides: %v", overlap))
		d.Overlap = overlap
		return d
	}
	if len(pending) == 0 {
		return Decision{Verdict: DiscardLocal, Reason: "remote already contains the local change"}
	}
	return Decision{
		Verdict:     RetryWithRemoteBase,
		Reason:      fmt.Sprintf("merged disjoint fields: %v", pending),
		Payload:     model.ApplyFields(remote.Data, op.Payload, pending),
		Base:        remote.Data.Clone(),
		BaseVersion: remote.Version,
	}
}

// Force builds a RetryWithRemoteBase decision that re-applies the local
// change on top of the remote version regardless of overlap. It fails when
// no rebased operation could succeed.
func Force(op model.Operation, remote *model.RemoteState) (Decision, error) {
	if remote == nil {
		return Decision{}, fmt.Errorf("remote state unavailable")
	}
	switch {
	case remote.Duplicate:
		return Decision{}, fmt.Errorf("an equivalent record already exists remotely; discard or edit the local copy")
	case op.Kind == model.KindCreate:
		return Decision{}, fmt.Errorf("create cannot be rebased")
	case op.Kind == model.KindDelete && remote.Deleted:
		return Decision{Verdict: DiscardLocal, Reason: "already deleted remotely"}, nil
	case remote.Deleted:
		return Decision{}, fmt.Errorf("entity was deleted remotely")
	}

	payload := op.Payload.Clone()
	if op.Kind == model.KindUpdate && op.Base != nil {
		payload = model.ApplyFields(remote.Data, op.Payload, model.ChangedFields(op.Base, op.Payload))
	}
	if op.Kind == model.KindDelete {
		payload = nil
	}
	return Decision{
		Verdict:     RetryWithRemoteBase,
		Reason:      "local wins",
		Payload:     payload,
		Base:        remote.Data.Clone(),
		BaseVersion: remote.Version,
	}, nil
}

func manual(reason string) Decision {
	return Decision{Verdict: RequireManualResolution, Reason: reason}
}
