package version

import "fmt"

// Заполняются при сборке через -ldflags:
//
//	-X .../internal/version.release=v1.2.3
//	-X .../internal/version.gitCommit=abc1234
//	-X .../internal/version.buildDate=2026-08-29T10:00:00Z
var (
	release   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Info описывает собранный бинарник.
type Info struct {
	Release   string
	Commit    string
	BuildDate string
}

// Get возвращает информацию о сборке.
func Get() Info {
	return Info{
		Release:   release,
		Commit:    gitCommit,
		BuildDate: buildDate,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("release=%s commit=%s built=%s", i.Release, i.Commit, i.BuildDate)
}
