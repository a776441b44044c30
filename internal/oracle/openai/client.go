package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "AgroTrack-Lite/internal/errors"
	"AgroTrack-Lite/internal/oracle"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供推荐能力。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Recommend 调用 OpenAI 并把文本回复解析成结构化推荐。
func (c *Client) Recommend(ctx context.Context, req oracle.Request) (*oracle.Recommendation, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, err
	}

	content, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	switch req.Kind {
	case oracle.KindMatch:
		return parseMatch(content, req.Candidates)
	case oracle.KindPrice:
		return parsePrice(content)
	case oracle.KindRisk:
		return parseRisk(content)
	case oracle.KindSettlement:
		return parseSettlement(content)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的推荐类别: %s", req.Kind))
	}
}

// complete 发送一次 Chat Completions 请求并返回首个回复文本。
func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeOracleUnavailable, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", xerrors.New(xerrors.CodeOracleUnavailable,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodeOracleUnparseable, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return "", xerrors.New(xerrors.CodeOracleUnparseable, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", xerrors.New(xerrors.CodeOracleUnparseable, "OpenAI 响应内容为空")
	}
	return content, nil
}

const systemPrompt = "" +
	"You are AgroTrack's agricultural trade reasoning engine for East Africa. " +
	"Always answer in the exact plain-text format the task asks for, with no extra prose."

// buildPrompt 按请求类别构造提示词，格式沿用各智能体的既有模板。
func buildPrompt(req oracle.Request) (string, error) {
	switch req.Kind {
	case oracle.KindMatch:
		return buildMatchPrompt(req), nil
	case oracle.KindPrice:
		return buildPricePrompt(req), nil
	case oracle.KindRisk:
		return buildRiskPrompt(req), nil
	case oracle.KindSettlement:
		if req.Settlement == nil {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "结算推荐缺少交割事实")
		}
		return buildSettlementPrompt(req), nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的推荐类别: %s", req.Kind))
	}
}

func buildMatchPrompt(req oracle.Request) string {
	var b strings.Builder
	b.WriteString("You are an agricultural market-matching agent.\n\nGiven:\n")
	fmt.Fprintf(&b, "- Crop: %s\n- Quantity: %.1fkg\n- Location: %s\n- Available Buyers:\n", req.Crop, req.QuantityKG, req.Location)
	for _, c := range req.Candidates {
		fmt.Fprintf(&b, "- %s (%s, %.0fkm away, reliability: %d/100, capacity: %.0fkg)\n",
			c.Name, c.Location, c.DistanceKM, c.Reliability, c.CapacityKG)
	}
	b.WriteString("\nRank the buyers by geographic proximity, capacity and historical reliability.\n")
	b.WriteString("Return ONLY the name of the best matched buyer and a brief reason (max 20 words).\n")
	b.WriteString("Format: BUYER_NAME | REASON\n")
	return b.String()
}

func buildPricePrompt(req oracle.Request) string {
	var b strings.Builder
	b.WriteString("You are an agricultural pricing agent for East Africa.\n\nGiven:\n")
	fmt.Fprintf(&b, "- Crop: %s\n- Quantity: %.1fkg\n- Location: %s\n- Current Season: %s\n- Recent Market Data: %s\n",
		strings.ToLower(req.Crop), req.QuantityKG, req.Location, req.Season, req.MarketData)
	b.WriteString("\nCalculate a fair price per kg in Kenyan Shillings (KES) considering market rates, ")
	b.WriteString("seasonal variations, quality expectations and transportation costs.\n")
	b.WriteString("Return ONLY a number representing price per kg.\n")
	return b.String()
}

func buildRiskPrompt(req oracle.Request) string {
	var b strings.Builder
	b.WriteString("You are a risk assessment agent for agricultural trades.\n\n")
	fmt.Fprintf(&b, "Given transaction history for party %s:\n", req.PartyID)
	for _, h := range req.History {
		fmt.Fprintf(&b, "- %s: %s trade, status: %s, amount: %.2f\n", h.Date, h.Crop, h.Status, h.Amount)
	}
	b.WriteString("\nAssess the risk level (0-100, where 0 is no risk) based on payment reliability, ")
	b.WriteString("delivery consistency, dispute frequency and completion rate.\n")
	b.WriteString("Return ONLY a number between 0-100 and a one-line reason.\n")
	b.WriteString("Format: SCORE | REASON\n")
	return b.String()
}

func buildSettlementPrompt(req oracle.Request) string {
	facts := req.Settlement
	var b strings.Builder
	b.WriteString("You are an autonomous settlement agent for agricultural trades.\n\n")
	b.WriteString("Given the following conditions for a delivery confirmation:\n")
	fmt.Fprintf(&b, "- Code Match: %t\n- Weight Variance: %.1f%% from expected\n- Quality Grade: %s\n",
		facts.CodeMatch, facts.WeightVariancePct, facts.Grade)
	fmt.Fprintf(&b, "- Buyer Reliability History: %s\n- Farmer Reliability History: %s\n", facts.BuyerHistory, facts.ProducerHistory)
	b.WriteString("\nDecide if this trade should be automatically settled (escrow released) or requires human review.\n")
	b.WriteString("Rules for AUTO-SETTLEMENT: the code must match exactly, weight variance must be <= 5%, ")
	b.WriteString("grade must be B or better, and a buyer below 80% reliability requires review. ")
	b.WriteString("If weight variance is 3-5%, reduce the payout proportionally.\n")
	b.WriteString("\nReturn your decision in this exact format:\n")
	b.WriteString("DECISION: [AUTO_SETTLE or REQUIRE_REVIEW]\n")
	b.WriteString("CONFIDENCE: [0.0 to 1.0]\n")
	b.WriteString("ADJUSTMENT: [percentage of payment to release, 0-100]\n")
	b.WriteString("REASON: [one sentence explanation]\n")
	return b.String()
}

// parseMatch 解析 "BUYER_NAME | REASON" 形式的回复。
func parseMatch(content string, candidates []oracle.Candidate) (*oracle.Recommendation, error) {
	name, reason := splitPipe(content)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeOracleUnparseable, "撮合回复缺少买家名称")
	}
	if reason == "" {
		reason = "Best match based on analysis"
	}
	// 回复必须命中候选集合，避免大模型臆造买家。
	for _, c := range candidates {
		if strings.EqualFold(c.Name, name) || strings.EqualFold(c.ID, name) {
			return &oracle.Recommendation{
				Choice:     c.ID,
				Confidence: 0.9,
				Rationale:  reason,
			}, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeOracleUnparseable,
		fmt.Sprintf("撮合回复中的买家不在候选集合内: %s", name))
}

// parsePrice 解析纯数字单价回复。
func parsePrice(content string) (*oracle.Recommendation, error) {
	raw := strings.TrimSpace(strings.Trim(content, "`"))
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil || price <= 0 {
		return nil, xerrors.New(xerrors.CodeOracleUnparseable, fmt.Sprintf("定价回复不是有效数字: %q", content))
	}
	return &oracle.Recommendation{
		UnitPrice:  price,
		Confidence: 0.9,
		Rationale:  "LLM market estimate",
	}, nil
}

// parseRisk 解析 "SCORE | REASON" 形式的回复。
func parseRisk(content string) (*oracle.Recommendation, error) {
	rawScore, reason := splitPipe(content)
	score, err := strconv.Atoi(strings.TrimSpace(rawScore))
	if err != nil || score < 0 || score > 100 {
		return nil, xerrors.New(xerrors.CodeOracleUnparseable, fmt.Sprintf("风险回复不是有效分数: %q", content))
	}
	if reason == "" {
		reason = "Based on transaction history"
	}
	return &oracle.Recommendation{
		Score:      score,
		Confidence: 0.9,
		Rationale:  reason,
	}, nil
}

// parseSettlement 解析 "KEY: value" 多行回复。
func parseSettlement(content string) (*oracle.Recommendation, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	decision := oracle.Decision(strings.ToUpper(fields["DECISION"]))
	if decision != oracle.DecisionAutoSettle && decision != oracle.DecisionRequireReview {
		return nil, xerrors.New(xerrors.CodeOracleUnparseable, fmt.Sprintf("结算回复缺少有效 DECISION: %q", content))
	}

	confidence, err := strconv.ParseFloat(fields["CONFIDENCE"], 64)
	if err != nil || confidence < 0 || confidence > 1 {
		confidence = 0.5
	}
	adjustment, err := strconv.ParseFloat(fields["ADJUSTMENT"], 64)
	if err != nil || adjustment < 0 || adjustment > 100 {
		adjustment = 100
	}

	rationale := fields["REASON"]
	if rationale == "" {
		rationale = "Decision made by settlement agent"
	}

	return &oracle.Recommendation{
		Decision:   decision,
		Confidence: confidence,
		Adjustment: adjustment / 100,
		Rationale:  rationale,
	}, nil
}

// splitPipe 把 "left | right" 拆成两段，右侧可以为空。
func splitPipe(content string) (string, string) {
	// 只取首行，忽略大模型偶尔附带的说明文字。
	line := content
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		line = content[:idx]
	}
	left, right, _ := strings.Cut(line, "|")
	return strings.TrimSpace(left), strings.TrimSpace(right)
}
