// Package rbac gates the actions that are not report status transitions.
// Transitions are checked by the lifecycle table.
package rbac

import "roadwatch/api/internal/store"

type Action string

const (
	ActionViewZoneRHI     Action = "rhi:zone"
	ActionViewCityRHI     Action = "rhi:city"
	ActionAwardPoints     Action = "points:award"
	ActionApproveRSO      Action = "users:approve"
	ActionProvisionStaff  Action = "users:provision"
	ActionRunSync         Action = "sync:run"
	ActionListContractors Action = "contractors:list"
	ActionUploadMedia     Action = "media:upload"
	ActionSearchReports   Action = "reports:search"
)

var grants = map[store.Role][]Action{
	store.RoleCitizen: {
		ActionViewZoneRHI, ActionUploadMedia, ActionSearchReports,
	},
	store.RoleRSO: {
		ActionViewZoneRHI, ActionViewCityRHI, ActionListContractors, ActionUploadMedia, ActionSearchReports,
	},
	store.RoleContractor: {
		ActionViewZoneRHI, ActionUploadMedia, ActionSearchReports,
	},
	store.RoleComplianceOfficer: {
		ActionViewZoneRHI, ActionViewCityRHI, ActionListContractors, ActionSearchReports,
	},
}

func Can(role store.Role, action Action) bool {
	if role == store.RoleAdmin {
		return true
	}
	for _, granted := range grants[role] {
		if granted == action {
			return true
		}
	}
	return false
}

// Normalize maps unknown roles to citizen, the least privileged role.
func Normalize(role string) store.Role {
	if r := store.Role(role); r.Valid() {
		return r
	}
	return store.RoleCitizen
}
