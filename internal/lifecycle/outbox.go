package lifecycle

import (
	"fmt"

	"roadwatch/api/internal/notify"
	"roadwatch/api/internal/store"
)

// Outbox lists the notifications a write owes, derived only from the
// difference between the previous and the new record. A nil previous means
// the report is new. Writing the same record twice owes nothing the second
// time.
func Outbox(previous *store.Report, next store.Report) []notify.Notification {
	var out []notify.Notification
	data := map[string]string{"reportId": next.ID, "status": string(next.Status)}

	if previous == nil {
		if next.Status == store.StatusPending {
			out = append(out,
				notification(notify.ToZone(store.RoleRSO, next.Location.Zone), "New road damage report",
					fmt.Sprintf("%s reported on %s", damageLabel(next), placeLabel(next)), data),
				notification(notify.ToRole(store.RoleAdmin), "New road damage report",
					fmt.Sprintf("%s reported in %s", damageLabel(next), next.Location.Zone), data),
			)
		}
		return out
	}

	if next.ContractorID != "" && next.ContractorID != previous.ContractorID {
		out = append(out, notification(notify.ToUser(next.ContractorID), "New work order",
			fmt.Sprintf("Repair %s on %s", damageLabel(next), placeLabel(next)), data))
	}

	if previous.Status == next.Status {
		return out
	}

	switch {
	case previous.Status == store.StatusInProgress && next.Status == store.StatusVerificationPending:
		audience := notify.ToZone(store.RoleRSO, next.Location.Zone)
		if next.RSOID != "" {
			audience = notify.ToUser(next.RSOID)
		}
		out = append(out, notification(audience, "Repair awaiting verification",
			fmt.Sprintf("Proof submitted for %s on %s", damageLabel(next), placeLabel(next)), data))

	case previous.Status == store.StatusVerificationPending && next.Status == store.StatusInProgress:
		if next.ContractorID != "" {
			out = append(out, notification(notify.ToUser(next.ContractorID), "Repair rejected",
				fmt.Sprintf("The repair on %s was sent back for rework", placeLabel(next)), data))
		}

	case next.Status == store.StatusCompleted:
		out = append(out,
			notification(notify.ToUser(next.CitizenID), "Repair complete",
				fmt.Sprintf("The %s you reported on %s has been repaired", damageLabel(next), placeLabel(next)), data),
			notification(notify.ToRole(store.RoleAdmin), "Repair complete",
				fmt.Sprintf("Report %s in %s completed", next.ID, next.Location.Zone), data),
		)
	}
	return out
}

func notification(audience notify.Audience, title, body string, data map[string]string) notify.Notification {
	copied := make(map[string]string, len(data))
	for k, v := range data {
		copied[k] = v
	}
	return notify.Notification{Audience: audience, Title: title, Body: body, Data: copied}
}

func damageLabel(r store.Report) string {
	label := "road damage"
	if r.AIDetection != nil && r.AIDetection.DamageType != "" {
		label = r.AIDetection.DamageType
	}
	if sev := r.Severity(); sev != "" {
		label = string(sev) + " severity " + label
	}
	return label
}

func placeLabel(r store.Report) string {
	switch {
	case r.Location.RoadName != "":
		return r.Location.RoadName
	case r.Location.Address != "":
		return r.Location.Address
	default:
		return fmt.Sprintf("%.5f, %.5f", r.Location.Latitude, r.Location.Longitude)
	}
}
