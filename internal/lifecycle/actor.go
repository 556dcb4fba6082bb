package lifecycle

import (
	"fmt"

	"roadwatch/api/internal/store"
)

// Actor is the closed set of parties that act on reports. Only the types in
// this file implement it.
type Actor interface {
	UserID() string
	Role() store.Role
	isActor()
}

type Citizen struct{ ID string }

// RSO is a zone officer. It may only act on reports in its zone.
type RSO struct {
	ID   string
	Zone string
}

// Contractor acts on the reports assigned to it. A contractor's user id is
// its contractor id.
type Contractor struct{ ID string }

type Admin struct{ ID string }

type ComplianceOfficer struct{ ID string }

func (a Citizen) UserID() string           { return a.ID }
func (a RSO) UserID() string               { return a.ID }
func (a Contractor) UserID() string        { return a.ID }
func (a Admin) UserID() string             { return a.ID }
func (a ComplianceOfficer) UserID() string { return a.ID }

func (Citizen) Role() store.Role           { return store.RoleCitizen }
func (RSO) Role() store.Role               { return store.RoleRSO }
func (Contractor) Role() store.Role        { return store.RoleContractor }
func (Admin) Role() store.Role             { return store.RoleAdmin }
func (ComplianceOfficer) Role() store.Role { return store.RoleComplianceOfficer }

func (Citizen) isActor()           {}
func (RSO) isActor()               {}
func (Contractor) isActor()        {}
func (Admin) isActor()             {}
func (ComplianceOfficer) isActor() {}

// ActorFor maps an authenticated user onto its actor variant. Unapproved
// RSOs have no actor.
func ActorFor(user store.User) (Actor, error) {
	switch user.Role {
	case store.RoleCitizen:
		return Citizen{ID: user.ID}, nil
	case store.RoleRSO:
		if !user.IsApproved {
			return nil, &PermissionError{Role: user.Role, Action: "act", Reason: "rso account is not approved"}
		}
		if user.Zone == "" {
			return nil, &PermissionError{Role: user.Role, Action: "act", Reason: "rso has no zone"}
		}
		return RSO{ID: user.ID, Zone: user.Zone}, nil
	case store.RoleContractor:
		return Contractor{ID: user.ID}, nil
	case store.RoleAdmin:
		return Admin{ID: user.ID}, nil
	case store.RoleComplianceOfficer:
		return ComplianceOfficer{ID: user.ID}, nil
	default:
		return nil, fmt.Errorf("unknown role %q", user.Role)
	}
}

// Visible reports whether the actor may read the report.
func Visible(actor Actor, report store.Report) bool {
	switch a := actor.(type) {
	case Citizen:
		return report.CitizenID == a.ID
	case RSO:
		return report.Location.Zone == a.Zone
	case Contractor:
		return report.ContractorID == a.ID
	case Admin, ComplianceOfficer:
		return true
	default:
		return false
	}
}

// Scope is the read filter that returns exactly the reports visible to the actor.
func Scope(actor Actor) store.ReportFilter {
	switch a := actor.(type) {
	case Citizen:
		return store.ReportFilter{CitizenID: a.ID}
	case RSO:
		return store.ReportFilter{Zone: a.Zone}
	case Contractor:
		return store.ReportFilter{ContractorID: a.ID}
	default:
		return store.ReportFilter{}
	}
}
