package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UploadsCompleted counts finalized package uploads.
	UploadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pkgvault_uploads_completed_total",
		Help: "Number of package uploads finalized successfully.",
	})

	// UploadBytes counts payload bytes accepted by finalized uploads.
	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pkgvault_upload_bytes_total",
		Help: "Total payload bytes of finalized uploads.",
	})

	// DownloadTickets counts issued download tickets.
	DownloadTickets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pkgvault_download_tickets_total",
		Help: "Number of download tickets issued.",
	})

	// BlobsDeduplicated counts finalizations resolved to an existing blob.
	BlobsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pkgvault_blobs_deduplicated_total",
		Help: "Number of uploads deduplicated against an existing blob.",
	})
)

// Register attaches the Prometheus metrics endpoint to the router.
func Register(router *gin.Engine, path string) {
	router.GET(path, gin.WrapH(promhttp.Handler()))
}
