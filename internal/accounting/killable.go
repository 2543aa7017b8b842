package accounting

import (
	"github.com/ioverseer/ioverseer/internal/model"
	"github.com/ioverseer/ioverseer/internal/werror"
)

// AllUsersSentinel is the userHandle value meaning "apply to every live
// user", per setKillablePackageAsUser's "all users" sentinel.
const AllUsersSentinel int32 = -1

// SetKillablePackageAsUser transitions a package's killable state between
// Yes and No for a specific user, or for every live user when userID is
// AllUsersSentinel (which also toggles default-not-killable set
// membership so future unseen packages inherit the choice). Attempts to
// escape Never, and unknown packages, are rejected as invalid-argument.
func (e *Engine) SetKillablePackageAsUser(genericPackageName string, userID int32, isKillable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	want := model.KillableYes
	if !isKillable {
		want = model.KillableNo
	}

	if userID == AllUsersSentinel {
		found := false
		for _, pu := range e.usageByKey {
			if pu.genericPackageName != genericPackageName {
				continue
			}
			found = true
			if pu.killableState == model.KillableNever {
				return werror.New(werror.KindInvalidArgument, "accounting.SetKillablePackageAsUser", "cannot change a package stuck in Never state")
			}
			pu.killableState = want
		}
		if isKillable {
			delete(e.defaultNotKillable, genericPackageName)
		} else {
			e.defaultNotKillable[genericPackageName] = struct{}{}
		}
		if !found {
			return werror.New(werror.KindInvalidArgument, "accounting.SetKillablePackageAsUser", "package not found for any live user")
		}
		return nil
	}

	up := model.UserPackage{UserID: userID, GenericPackageName: genericPackageName}
	pu, ok := e.usageByKey[up.Key()]
	if !ok {
		return werror.New(werror.KindInvalidArgument, "accounting.SetKillablePackageAsUser", "unknown package for user")
	}
	if pu.killableState == model.KillableNever {
		return werror.New(werror.KindInvalidArgument, "accounting.SetKillablePackageAsUser", "cannot change a package stuck in Never state")
	}
	pu.killableState = want
	return nil
}

// PackageKillableState is one row of getPackageKillableStatesAsUser's
// result.
type PackageKillableState struct {
	GenericPackageName string
	KillableState      model.KillableState
}

// GetPackageKillableStatesAsUser enumerates every tracked package for
// userID (or every live user's packages when userID is AllUsersSentinel),
// recomputing each one's killable state via syncAndFetchKillableState
// before returning it.
func (e *Engine) GetPackageKillableStatesAsUser(userID int32) []PackageKillableState {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []PackageKillableState
	for _, pu := range e.usageByKey {
		if userID != AllUsersSentinel && pu.userID != userID {
			continue
		}
		isSafe := e.threshold.IsSafeToKill(pu.genericPackageName, pu.componentType, pu.memberPackages)
		pu.killableState = e.syncAndFetchKillableState(pu, isSafe)
		out = append(out, PackageKillableState{GenericPackageName: pu.genericPackageName, KillableState: pu.killableState})
	}
	return out
}

// syncAndFetchKillableState implements §4.4.5's reconciliation: a
// non-ThirdParty package that is no longer safe-to-kill is forced to
// Never; a Never package that has become safe-to-kill (and is not
// ThirdParty) is reset to its default; any other state is kept as is.
func (e *Engine) syncAndFetchKillableState(pu *packageUsage, isSafeToKill bool) model.KillableState {
	if pu.componentType != model.ComponentThirdParty && !isSafeToKill {
		return model.KillableNever
	}
	if pu.killableState == model.KillableNever && pu.componentType != model.ComponentThirdParty && isSafeToKill {
		if _, notKillable := e.defaultNotKillable[pu.genericPackageName]; notKillable {
			return model.KillableNo
		}
		return model.KillableYes
	}
	return pu.killableState
}
