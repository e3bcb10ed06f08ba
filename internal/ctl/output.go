package ctl

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printPackages(w io.Writer, pkgs []*models.Package) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tARCH\tREPO\tSIZE\tUPLOADED")
	for _, p := range pkgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Name, p.Version, p.Arch, p.Repo,
			humanSize(p.Size), p.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func printPackage(w io.Writer, pkg *models.Package) error {
	return printPackages(w, []*models.Package{pkg})
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
