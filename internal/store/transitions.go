package store

import "mediq/queue-service/internal/models"

var transitionMap = map[string][]string{
	"start_session": {models.StatusBooked, models.StatusWaiting},
	"start_serving": {models.StatusBooked, models.StatusWaiting},
	"complete":      {models.StatusServing},
	"skip":          {models.StatusBooked, models.StatusWaiting, models.StatusServing},
	"cancel":        {models.StatusBooked, models.StatusWaiting},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
