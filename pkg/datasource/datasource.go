// Package datasource picks the main repeating record set of a document from the
// report configuration.
package datasource

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wehubfusion/Banda/pkg/config"
	bandaerrors "github.com/wehubfusion/Banda/pkg/errors"
	"github.com/wehubfusion/Banda/pkg/jsonnode"
	"github.com/wehubfusion/Banda/pkg/pathutil"
)

// Source names the main table and the document path its records live at.
type Source struct {
	TableName string
	Path      string
}

// Resolution is the outcome of locating the main source inside a document.
// Node is nil when the source could not be located; Reason then explains why and the
// caller registers an empty placeholder table instead.
type Resolution struct {
	Source Source
	Node   *jsonnode.Node
	Reason *bandaerrors.Error
}

// Degraded reports whether the main node could not be located.
func (r Resolution) Degraded() bool {
	return r.Node == nil
}

// Select picks the main source from the configuration: the first mapping whose path is
// empty, otherwise the first required data source with its mapped path (or its own name
// as the path).
func Select(cfg *config.ReportConfig) (Source, error) {
	if cfg == nil {
		return Source{}, bandaerrors.NewError(bandaerrors.CodeNoMainDataSource, "report has no configuration", nil)
	}

	for _, m := range cfg.DataSourceMappings {
		if m.Path == "" {
			return Source{TableName: m.Name, Path: ""}, nil
		}
	}

	for _, name := range cfg.RequiredDataSources {
		if name == "" {
			continue
		}
		path, ok := cfg.DataSourceMappings.Lookup(name)
		if !ok {
			path = name
		}
		return Source{TableName: name, Path: path}, nil
	}

	return Source{}, bandaerrors.NewError(bandaerrors.CodeNoMainDataSource,
		fmt.Sprintf("report %q maps no main data source and lists no required data sources", cfg.Name), nil)
}

// Locate resolves a source against the document. A missing node, a malformed path or a
// scalar at the path are degradations, reported through Resolution.Reason.
//
// An empty path addresses the root, except when the root is an object wrapping a
// container under the source's table name, e.g. {"Items": [...]} for table Items; the
// wrapped container is then the main node.
func Locate(root *jsonnode.Node, src Source) Resolution {
	res := Resolution{Source: src}

	if src.Path == "" {
		if wrapped := unwrap(root, src.TableName); wrapped != nil {
			res.Node = wrapped
			return res
		}
	}

	node, err := pathutil.Resolve(root, src.Path)
	switch {
	case errors.Is(err, pathutil.ErrMalformedPath):
		res.Reason = bandaerrors.NewError(bandaerrors.CodeMalformedPath,
			fmt.Sprintf("main data source %s has a malformed path %q", src.TableName, src.Path), err)
		return res
	case err != nil:
		res.Reason = bandaerrors.NewError(bandaerrors.CodeDataSourceUnresolvable,
			fmt.Sprintf("main data source %s not found at %q", src.TableName, src.Path), err)
		return res
	case !node.IsContainer():
		res.Reason = bandaerrors.NewError(bandaerrors.CodeDataSourceUnresolvable,
			fmt.Sprintf("main data source %s at %q is not an object or array", src.TableName, src.Path), nil)
		return res
	}

	res.Node = node
	return res
}

func unwrap(root *jsonnode.Node, name string) *jsonnode.Node {
	if root == nil || !root.IsObject() || name == "" {
		return nil
	}
	if n, ok := root.Get(name); ok && n.IsContainer() {
		return n
	}
	for _, f := range root.Fields() {
		if strings.EqualFold(f.Name, name) && f.Value.IsContainer() {
			return f.Value
		}
	}
	return nil
}

// Resolve selects the main source and locates it in the document. Only a configuration
// without any main source candidate is an error.
func Resolve(cfg *config.ReportConfig, root *jsonnode.Node) (Resolution, error) {
	src, err := Select(cfg)
	if err != nil {
		return Resolution{}, err
	}
	return Locate(root, src), nil
}
