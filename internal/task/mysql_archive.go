package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "AgentMesh-Chain/internal/errors"
)

// MySQLArchive 使用 MySQL 保存终态任务的归档记录。
type MySQLArchive struct {
	db *sql.DB
}

// NewMySQLArchive 创建 MySQLArchive 并初始化表结构。
func NewMySQLArchive(dsn string) (*MySQLArchive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	archive := &MySQLArchive{db: db}
	if err := archive.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return archive, nil
}

func (a *MySQLArchive) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS task_archive (
        id VARCHAR(64) PRIMARY KEY,
        description TEXT NOT NULL,
        status VARCHAR(32) NOT NULL,
        assigned_to VARCHAR(64) DEFAULT '',
        operation_type VARCHAR(64) DEFAULT '',
        selected_chain TEXT,
        result TEXT,
        error TEXT,
        tool_results TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_archive_status (status),
        INDEX idx_archive_updated (updated_at)
)`
	if _, err := a.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 task_archive 表失败")
	}
	return nil
}

// Append 实现 Archive 接口。同一任务重复归档时覆盖旧记录。
func (a *MySQLArchive) Append(ctx context.Context, t *Task) error {
	selectedChain, err := marshalNullable(t.SelectedChain)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码执行域提示失败")
	}
	toolResults, err := marshalNullable(t.ToolResults)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码工具结果失败")
	}

	const stmt = `INSERT INTO task_archive
        (id, description, status, assigned_to, operation_type, selected_chain, result, error, tool_results, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        status = VALUES(status), result = VALUES(result), error = VALUES(error),
        tool_results = VALUES(tool_results), updated_at = VALUES(updated_at)`
	if _, err := a.db.ExecContext(ctx, stmt,
		t.ID, t.Description, string(t.Status), t.AssignedTo, t.OperationType,
		selectedChain, t.Result, t.Error, toolResults, t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "归档任务失败")
	}
	return nil
}

// List 实现 Archive 接口。
func (a *MySQLArchive) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	where, args := buildArchiveFilter(opts)
	order := "updated_at DESC"
	if opts.Order == SortByUpdatedAsc {
		order = "updated_at ASC"
	}
	query := fmt.Sprintf(`SELECT id, description, status, assigned_to, operation_type,
        selected_chain, result, error, tool_results, created_at, updated_at
        FROM task_archive %s ORDER BY %s LIMIT ? OFFSET ?`, where, order)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询归档任务失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0)
	for rows.Next() {
		t, err := scanArchivedTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历归档任务失败")
	}
	return tasks, nil
}

// Stats 实现 Archive 接口。
func (a *MySQLArchive) Stats(ctx context.Context, opts ListOptions) (ArchiveStats, error) {
	where, args := buildArchiveFilter(opts)
	query := fmt.Sprintf(`SELECT
        COUNT(*),
        COALESCE(SUM(status = 'completed'), 0),
        COALESCE(SUM(status = 'failed'), 0),
        COALESCE(SUM(status = 'cancelled'), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM task_archive %s`, where)

	var stats ArchiveStats
	if err := a.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.Completed, &stats.Failed, &stats.Cancelled,
		&stats.OldestUpdatedAt, &stats.NewestUpdatedAt,
	); err != nil {
		return ArchiveStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计归档任务失败")
	}
	return stats, nil
}

// Close 关闭数据库连接。
func (a *MySQLArchive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func buildArchiveFilter(opts ListOptions) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)
	if len(opts.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opts.Statuses)), ",")
		clauses = append(clauses, "status IN ("+placeholders+")")
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		clauses = append(clauses, "(description LIKE ? OR result LIKE ?)")
		pattern := "%" + opts.Query + "%"
		args = append(args, pattern, pattern)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func scanArchivedTask(rows *sql.Rows) (*Task, error) {
	var (
		t             Task
		status        string
		selectedChain sql.NullString
		toolResults   sql.NullString
	)
	if err := rows.Scan(
		&t.ID, &t.Description, &status, &t.AssignedTo, &t.OperationType,
		&selectedChain, &t.Result, &t.Error, &toolResults, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取归档任务失败")
	}
	t.Status = Status(status)
	if selectedChain.Valid && selectedChain.String != "" {
		var sc ChainSelection
		if err := json.Unmarshal([]byte(selectedChain.String), &sc); err != nil {
			return nil, xerrors.Wrap(CodeTaskDecode, err, "解析执行域提示失败")
		}
		t.SelectedChain = &sc
	}
	if toolResults.Valid && toolResults.String != "" {
		if err := json.Unmarshal([]byte(toolResults.String), &t.ToolResults); err != nil {
			return nil, xerrors.Wrap(CodeTaskDecode, err, "解析工具结果失败")
		}
	}
	return &t, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(raw) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

var _ Archive = (*MySQLArchive)(nil)
