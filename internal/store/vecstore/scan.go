package vecstore

import (
	"database/sql"
	"encoding/json"

	"alfredmem/internal/domain"
)

// rowScanner abstracts *sql.Row and *sql.Rows for a single Scan call.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (domain.Memory, error) {
	var (
		m        domain.Memory
		typ      string
		tagsJSON string
		metaJSON string
		isPinned int
		vecBlob  []byte
		tagsBlob []byte
	)
	err := row.Scan(
		&m.ID, &m.Content, &m.ContainerTag, &typ, &tagsJSON, &m.CreatedAt, &m.UpdatedAt, &metaJSON,
		&m.DisplayName, &m.UserName, &m.UserEmail, &m.ProjectPath, &m.ProjectName, &m.GitRepoURL,
		&isPinned, &vecBlob, &tagsBlob,
	)
	if err != nil {
		return m, err
	}
	m.Type = domain.MemoryType(typ)
	m.IsPinned = isPinned != 0
	m.Vector = bytesToFloat32(vecBlob)
	m.TagsVector = bytesToFloat32(tagsBlob)
	_ = json.Unmarshal([]byte(tagsJSON), &m.Tags)
	_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
	return m, nil
}

func scanMemories(rows *sql.Rows) ([]domain.Memory, error) {
	var out []domain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMemoryWithRank(rows *sql.Rows) (domain.Memory, float64, error) {
	var (
		m        domain.Memory
		typ      string
		tagsJSON string
		metaJSON string
		isPinned int
		vecBlob  []byte
		tagsBlob []byte
		rank     float64
	)
	err := rows.Scan(
		&m.ID, &m.Content, &m.ContainerTag, &typ, &tagsJSON, &m.CreatedAt, &m.UpdatedAt, &metaJSON,
		&m.DisplayName, &m.UserName, &m.UserEmail, &m.ProjectPath, &m.ProjectName, &m.GitRepoURL,
		&isPinned, &vecBlob, &tagsBlob, &rank,
	)
	if err != nil {
		return m, 0, err
	}
	m.Type = domain.MemoryType(typ)
	m.IsPinned = isPinned != 0
	m.Vector = bytesToFloat32(vecBlob)
	m.TagsVector = bytesToFloat32(tagsBlob)
	_ = json.Unmarshal([]byte(tagsJSON), &m.Tags)
	_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
	return m, rank, nil
}
