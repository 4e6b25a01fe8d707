package ledger

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

const runColumns = "id, input_path, output_location, model, status, mode, total_items, already_completed, duplicates, pending, succeeded, failed, abandoned, error_message, hostname, pid, started_at, finished_at"

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		id               string
		inputPath        string
		outputLocation   string
		model            sql.NullString
		statusStr        string
		modeStr          string
		totalItems       int
		alreadyCompleted int
		duplicates       int
		pending          int
		succeeded        int
		failed           int
		abandoned        int
		errorMessage     sql.NullString
		hostname         sql.NullString
		pid              sql.NullInt64
		startedRaw       string
		finishedRaw      sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&inputPath,
		&outputLocation,
		&model,
		&statusStr,
		&modeStr,
		&totalItems,
		&alreadyCompleted,
		&duplicates,
		&pending,
		&succeeded,
		&failed,
		&abandoned,
		&errorMessage,
		&hostname,
		&pid,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}

	run := &Run{
		ID:               id,
		InputPath:        inputPath,
		OutputLocation:   outputLocation,
		Model:            model.String,
		Status:           Status(statusStr),
		Mode:             Mode(modeStr),
		TotalItems:       totalItems,
		AlreadyCompleted: alreadyCompleted,
		Duplicates:       duplicates,
		Pending:          pending,
		Succeeded:        succeeded,
		Failed:           failed,
		Abandoned:        abandoned,
		ErrorMessage:     errorMessage.String,
		Hostname:         hostname.String,
		PID:              int(pid.Int64),
	}
	if started, err := parseTimeString(startedRaw); err == nil {
		run.StartedAt = started
	}
	if finishedRaw.Valid {
		if finished, err := parseTimeString(finishedRaw.String); err == nil {
			run.FinishedAt = &finished
		}
	}
	return run, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}
