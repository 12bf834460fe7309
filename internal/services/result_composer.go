package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

const (
	resultPartPrefix = "units-"
	resultObjectName = "%s/result.txt"
)

// composeResult concatenates the per-run result parts of a document, in
// unit order, into a single result object and returns its URI. Resumed
// parts already begin with a unit separator.
func (f *DocumentProcessorFunction) composeResult(ctx context.Context, logCtx *slog.Logger, documentID string) (string, error) {
	bucket := f.storageClient.Bucket(f.config.ResultsBucket)
	query := &storage.Query{Prefix: documentID + "/" + resultPartPrefix}
	it := bucket.Objects(ctx, query)

	var partNames []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to list result parts: %w", err)
		}
		if strings.HasSuffix(attrs.Name, ".txt") {
			partNames = append(partNames, attrs.Name)
		}
	}
	if len(partNames) == 0 {
		logCtx.Warn("No result parts found. Writing an empty result.")
	}

	// Part names carry zero-padded unit ranges, so lexical order is unit order.
	sort.Strings(partNames)
	logCtx.Info("Composing result.", "partCount", len(partNames))

	outputObjectName := fmt.Sprintf(resultObjectName, documentID)
	destWriter := bucket.Object(outputObjectName).NewWriter(ctx)
	destWriter.ContentType = "text/plain; charset=utf-8"
	var composeErr error
	for _, name := range partNames {
		sourceReader, err := bucket.Object(name).NewReader(ctx)
		if err != nil {
			composeErr = fmt.Errorf("failed to read %s: %w", name, err)
			break
		}
		_, err = io.Copy(destWriter, sourceReader)
		sourceReader.Close()
		if err != nil {
			composeErr = fmt.Errorf("failed to copy content from %s: %w", name, err)
			break
		}
	}
	if composeErr != nil {
		_ = destWriter.Close()
		return "", composeErr
	}
	if err := destWriter.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize %s: %w", outputObjectName, err)
	}
	return fmt.Sprintf("gs://%s/%s", f.config.ResultsBucket, outputObjectName), nil
}
