package ytdlp

import "strings"

// describeFailure turns yt-dlp's last ERROR line into text a user can act on.
func describeFailure(lastError string) string {
	msg := strings.ToLower(lastError)
	switch {
	case strings.Contains(msg, "sign in to confirm your age") || strings.Contains(msg, "age-restricted"):
		return "This video is age-restricted and cannot be downloaded without cookies."
	case strings.Contains(msg, "private video"):
		return "This video is private."
	case strings.Contains(msg, "video unavailable") || strings.Contains(msg, "not available"):
		return "This video is unavailable."
	case strings.Contains(msg, "unsupported url"):
		return "This URL is not supported."
	case strings.Contains(msg, "sign in to confirm you") && strings.Contains(msg, "bot"):
		return "YouTube asked for a sign-in check. Configure cookies and try again."
	case strings.Contains(msg, "http error 403"):
		return "Access forbidden. YouTube might be throttling the server IP."
	case strings.Contains(msg, "http error 429"):
		return "Too many requests to YouTube. Try again later."
	case strings.Contains(msg, "unable to download webpage") || strings.Contains(msg, "connection") || strings.Contains(msg, "timed out"):
		return "Network error while contacting YouTube."
	case strings.Contains(msg, "ffmpeg") || strings.Contains(msg, "postprocessing"):
		return "Media processing error (ffmpeg failed)."
	case strings.Contains(msg, "no space left"):
		return "Disk space exhausted. Cannot complete download."
	case lastError != "":
		return "Download failed: " + lastError
	default:
		return "Download failed."
	}
}
