package processor

import (
	"regexp"
	"strings"

	"github.com/cwygoda/tubequeue/internal/domain"
)

// progressTag prefixes the lines produced by progressTemplate.
const progressTag = "[tubequeue-progress]"

// progressTemplate makes yt-dlp print one machine-readable line per progress hook call.
const progressTemplate = "download:" + progressTag +
	" %(progress.status)s|%(progress._percent_str)s|%(progress._speed_str)s|%(progress._eta_str)s" +
	"|%(progress.fragment_index)s|%(progress._elapsed_str)s|%(info.is_live)s"

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// postProcessorTags are line prefixes yt-dlp prints once the transfer is over.
var postProcessorTags = []string{
	"[Merger]",
	"[ExtractAudio]",
	"[EmbedThumbnail]",
	"[ThumbnailsConvertor]",
	"[Metadata]",
	"[ModifyChapters]",
	"[SponsorBlock]",
	"[VideoConvertor]",
	"[VideoRemuxer]",
	"[EmbedSubtitle]",
	"[FixupM3u8]",
	"[FixupM4a]",
	"[FixupStretched]",
	"[FixupDuplicateMoov]",
	"[FixupTimestamp]",
}

// parseProgressLine turns one line of yt-dlp output into a progress event.
func parseProgressLine(line string) (domain.ProgressEvent, bool) {
	line = strings.TrimSpace(ansiPattern.ReplaceAllString(line, ""))

	if rest, ok := strings.CutPrefix(line, progressTag); ok {
		fields := strings.Split(strings.TrimSpace(rest), "|")
		if len(fields) != 7 {
			return domain.ProgressEvent{}, false
		}
		for i := range fields {
			fields[i] = cleanField(fields[i])
		}
		switch fields[0] {
		case "downloading":
			return domain.ProgressEvent{
				Phase:    domain.PhaseDownloading,
				Percent:  fields[1],
				Speed:    fields[2],
				ETA:      fields[3],
				Fragment: fields[4],
				Elapsed:  fields[5],
				Live:     strings.EqualFold(fields[6], "true"),
			}, true
		case "finished":
			return domain.ProgressEvent{Phase: domain.PhaseFinished}, true
		}
		return domain.ProgressEvent{}, false
	}

	for _, tag := range postProcessorTags {
		if strings.HasPrefix(line, tag) {
			return domain.ProgressEvent{Phase: domain.PhaseFinished}, true
		}
	}
	return domain.ProgressEvent{}, false
}

// cleanField trims a template value and maps yt-dlp's placeholder for missing values to "".
func cleanField(s string) string {
	s = strings.TrimSpace(s)
	if s == "NA" || s == "None" {
		return ""
	}
	return s
}

// isDownloadedLine reports whether a yt-dlp line shows that some file reached disk.
func isDownloadedLine(line string) bool {
	return strings.Contains(line, "has already been downloaded") ||
		strings.HasPrefix(line, "[download] 100%") ||
		strings.HasPrefix(line, "[Merger]") ||
		strings.HasPrefix(line, "[ExtractAudio] Destination")
}

// splitByNewlineOrCR is a bufio.SplitFunc that also breaks on carriage returns.
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// appendLimited keeps the first maxKeep bytes of output for error messages.
func appendLimited(b *strings.Builder, line string) {
	const maxKeep = 8192
	if b.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	if remain := maxKeep - b.Len(); len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}
