package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"AgentMesh-Chain/internal/a2a"
	"AgentMesh-Chain/internal/bus"
	xerrors "AgentMesh-Chain/internal/errors"
)

const defaultMirrorBaseURL = "https://mainnet-public.mirrornode.hedera.com"

// MirrorClient 查询 Hedera 镜像节点的只读 REST 接口。
type MirrorClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewMirrorClient 创建镜像节点客户端。baseURL 为空时使用公共主网
// 镜像节点。
func NewMirrorClient(baseURL string, httpClient *http.Client) *MirrorClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultMirrorBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &MirrorClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// AccountBalance 返回账户余额（tinybar）。
func (c *MirrorClient) AccountBalance(ctx context.Context, accountID string) (int64, error) {
	endpoint := fmt.Sprintf("%s/api/v1/balances?account.id=%s", c.baseURL, accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("构建镜像节点请求失败: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("请求镜像节点失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("镜像节点返回错误状态 %d", resp.StatusCode)
	}

	var decoded struct {
		Balances []struct {
			Account string `json:"account"`
			Balance int64  `json:"balance"`
		} `json:"balances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("解析镜像节点响应失败: %w", err)
	}
	if len(decoded.Balances) == 0 {
		return 0, fmt.Errorf("账户 %s 不存在或无余额记录", accountID)
	}
	return decoded.Balances[0].Balance, nil
}

// Hedera 是 Hedera 执行域的专属工作器，按领域关键词路由。
type Hedera struct {
	mirror         *MirrorClient
	defaultAccount string
	version        string
}

// NewHedera 创建 Hedera 工作器。defaultAccount 是描述中未指明账户
// 时的查询目标。
func NewHedera(mirror *MirrorClient, defaultAccount string) *Hedera {
	return &Hedera{mirror: mirror, defaultAccount: defaultAccount, version: "1.0.0"}
}

// Name 实现 Worker 接口。
func (h *Hedera) Name() string { return "hedera" }

// Card 实现 Worker 接口。
func (h *Hedera) Card() a2a.AgentCard {
	return a2a.AgentCard{
		Name:        h.Name(),
		Description: "Hedera 执行域工作器：余额查询与账户状态",
		Version:     h.version,
		Skills:      []string{"hedera-balance", "hedera-account"},
	}
}

// 形如 0.0.12345 的 Hedera 账户标识。
var hederaAccountPattern = regexp.MustCompile(`\b0\.0\.\d+\b`)

// Handle 实现 Worker 接口。
func (h *Hedera) Handle(ctx context.Context, ev bus.TaskRouted) (Outcome, error) {
	if h.mirror == nil {
		return Outcome{}, xerrors.New(xerrors.CodeInitFailure, "Hedera 工作器缺少镜像节点客户端")
	}

	account := h.defaultAccount
	if hint, ok := ev.Hints["account_id"]; ok && hint != "" {
		account = hint
	} else if match := hederaAccountPattern.FindString(ev.Description); match != "" {
		account = match
	}
	if account == "" {
		return Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, "任务未指明 Hedera 账户")
	}

	balance, err := h.mirror.AccountBalance(ctx, account)
	if err != nil {
		return Outcome{}, xerrors.Wrap(xerrors.CodeWorkerFailure, err, "查询 Hedera 余额失败")
	}

	hbar := float64(balance) / 1e8
	summary := fmt.Sprintf("账户 %s 余额 %.8f HBAR", account, hbar)
	return Outcome{
		Result: summary,
		ToolResults: []bus.ToolResult{
			{Tool: "hedera-mirror-balance", Output: fmt.Sprintf("%d tinybar", balance)},
		},
		ChainOfThought: fmt.Sprintf("识别账户 %s，经镜像节点查询余额", account),
	}, nil
}

var _ Worker = (*Hedera)(nil)
