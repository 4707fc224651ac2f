package agent

import (
	"path"
	"regexp"
	"strings"
)

var chartPathRE = regexp.MustCompile(`generated_charts[\\/][^\s"'<>]+\.png`)

// Artifact is a chart produced during a run.
type Artifact struct {
	Path string
	URL  string
}

// NewArtifact derives the public URL of the chart at p.
func NewArtifact(p string) Artifact {
	return Artifact{Path: p, URL: ArtifactURL(p)}
}

// ExtractArtifactPaths returns every chart path in text, in order of
// appearance. Duplicates are kept.
func ExtractArtifactPaths(text string) []string {
	return chartPathRE.FindAllString(text, -1)
}

// ArtifactURL maps a chart path to the URL it is served under.
func ArtifactURL(p string) string {
	return "/charts/" + path.Base(strings.ReplaceAll(p, `\`, "/"))
}
