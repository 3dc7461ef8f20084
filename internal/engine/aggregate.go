package engine

// aggregate recomputes a job's counters and status from the live item set.
// It is a pure function of the items: re-running it on an unchanged set
// yields an unchanged result.
func aggregate(job *Job, items []*Item) {
	job.ItemsCount = len(items)
	job.ItemsCompleted = 0
	job.ItemsFailed = 0

	var downloaded int64
	var total int64
	totalKnown := len(items) > 0

	for _, item := range items {
		switch item.Status {
		case ItemCompleted:
			job.ItemsCompleted++
		case ItemFailed:
			job.ItemsFailed++
		}

		downloaded += item.BytesDownloaded
		if item.BytesTotal != nil {
			total += *item.BytesTotal
		} else {
			totalKnown = false
		}
	}

	job.BytesDownloaded = downloaded
	if totalKnown {
		job.BytesTotal = &total
	} else {
		job.BytesTotal = nil
	}

	job.Status = deriveJobStatus(items)
}

// deriveJobStatus maps the item statuses onto a single job status. Precedence:
// all-queued, any-retrying, active (downloading before processing), then the
// terminal combinations. A terminal mix with no failures but at least one
// canceled item resolves to canceled.
func deriveJobStatus(items []*Item) JobStatus {
	var queued, starting, downloading, processing, retrying, completed, failed, canceled int
	for _, item := range items {
		switch item.Status {
		case ItemQueued:
			queued++
		case ItemStarting:
			starting++
		case ItemDownloading:
			downloading++
		case ItemProcessing:
			processing++
		case ItemRetrying:
			retrying++
		case ItemCompleted:
			completed++
		case ItemFailed:
			failed++
		case ItemCanceled:
			canceled++
		}
	}

	n := len(items)
	switch {
	case n == 0:
		return JobQueued
	case queued == n:
		return JobQueued
	case retrying > 0:
		return JobRetrying
	case starting > 0 || downloading > 0 || queued > 0:
		return JobDownloading
	case processing > 0:
		return JobProcessing
	case completed == n:
		return JobCompleted
	case failed > 0:
		return JobFailed
	case canceled > 0:
		return JobCanceled
	default:
		return JobQueued
	}
}
