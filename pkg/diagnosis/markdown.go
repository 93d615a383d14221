package diagnosis

import (
	"os"
	"path/filepath"

	"github.com/nao1215/markdown"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// WriteMarkdown writes the summary of rep to path. Links are relative to the
// report directory. It is safe to call from several goroutines.
func WriteMarkdown(path string, rep *Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	md := markdown.NewMarkdown(f)
	writeMarkdown(md, rep, filepath.Dir(path))
	if err := md.Build(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeMarkdown(md *markdown.Markdown, rep *Report, dir string) {
	// Casers carry state between calls and cannot be shared.
	title := cases.Title(language.English)
	printer := message.NewPrinter(language.English)

	md.H1(title.String("diagnosis") + ": " + rep.Scan)
	md.PlainText("")

	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Mean tSNR (brain)", printer.Sprintf("%.2f", rep.MeanTSNR)},
			{"ICA components", printer.Sprintf("%d", rep.Components)},
			{"Seeds", printer.Sprintf("%d of %d mapped", len(rep.Seeds)-rep.FailedSeeds(), len(rep.Seeds))},
		},
	})
	md.PlainText("")

	md.H2(title.String("maps"))
	md.PlainText("")
	md.BulletList(
		link("tSNR", rep.TSNRPath, dir),
		link("ICA spatial maps", rep.ICAPath, dir),
		link("ICA timecourses", rep.MixPath, dir),
	)
	md.PlainText("")

	md.H2(title.String("seed correlation"))
	md.PlainText("")
	if len(rep.Seeds) == 0 {
		md.PlainText("No seeds were requested.")
		md.PlainText("")
	} else {
		rows := make([][]string, len(rep.Seeds))
		for i, s := range rep.Seeds {
			status := "ok"
			if s.Err != nil {
				status = s.Err.Error()
			}
			rows[i] = []string{s.Name, printer.Sprintf("%d", s.Voxels), status}
		}
		md.Table(markdown.TableSet{
			Header: []string{"Seed", "Voxels", "Status"},
			Rows:   rows,
		})
		md.PlainText("")
		if failed := rep.FailedSeeds(); failed > 0 {
			md.Warningf("%d seed(s) could not be mapped.", failed)
			md.PlainText("")
		}
	}

	if len(rep.Previews) > 0 {
		md.H2(title.String("previews"))
		md.PlainText("")
		for _, p := range rep.Previews {
			md.PlainTextf("![%s](%s)", filepath.Base(p), relative(p, dir))
		}
		md.PlainText("")
	}
}

func link(label, path, dir string) string {
	if path == "" {
		return label + ": not written"
	}
	return "[" + label + "](" + relative(path, dir) + ")"
}

func relative(path, dir string) string {
	if rel, err := filepath.Rel(dir, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return path
}
