package validation

import (
	"regexp"
	"strconv"
	"strings"

	"explorer/internal/errors"
	"explorer/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var (
	hashRegex      = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
	hexStringRegex = regexp.MustCompile("^0[xX][0-9a-fA-F]{1,64}$")
)

// ensLabelRegex ENS名称中每一段允许的字符
var ensLabelRegex = regexp.MustCompile("^[a-z0-9_-]+$")

// ENSSuffix 需要解析的名称后缀
const ENSSuffix = ".eth"

// Validator 上游数据验证器
type Validator struct {
	logger     *logrus.Logger
	strictMode bool // 严格模式下警告也视为失败
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                    `json:"valid"`
	Errors   []*errors.ExplorerError `json:"errors,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
	DataType string                  `json:"data_type"`
}

// Err 返回第一个错误，验证通过时为nil
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

func (r *ValidationResult) addError(err *errors.ExplorerError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	return &Validator{
		logger:     logger,
		strictMode: strictMode,
	}
}

func invalidPayload(code, message string) *errors.ExplorerError {
	return errors.NewExplorerError(errors.ErrorTypeSerialization, errors.SeverityMedium, code, message)
}

// ValidateBlock 验证节点返回的区块
func (v *Validator) ValidateBlock(block *models.Block) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "block"}
	if block == nil {
		result.addError(invalidPayload("EMPTY_BLOCK", "区块为空"))
		return result
	}

	number, _ := block.NumberUint64()

	if !IsValidHash(block.Hash) {
		result.addError(invalidPayload("INVALID_BLOCK_HASH", "区块哈希格式无效").WithBlockNumber(number))
	}
	if block.ParentHash != "" && !IsValidHash(block.ParentHash) {
		result.addError(invalidPayload("INVALID_PARENT_HASH", "父区块哈希格式无效").WithBlockNumber(number))
	}
	if block.Miner != "" && !common.IsHexAddress(block.Miner) {
		result.addError(invalidPayload("INVALID_MINER_ADDRESS", "矿工地址格式无效").WithBlockNumber(number))
	}

	for i, hash := range block.Transactions {
		if !IsValidHash(hash) {
			result.addError(invalidPayload("INVALID_TX_HASH", "交易哈希格式无效").
				WithBlockNumber(number).WithContext("index", i))
		}
	}

	gasUsed, gasLimit := block.GasUsed.Big(), block.GasLimit.Big()
	if gasUsed != nil && gasLimit != nil && gasUsed.Cmp(gasLimit) > 0 {
		result.Warnings = append(result.Warnings, "Gas使用量超过限制")
	}

	v.applyStrictMode(result)
	return result
}

// ValidateTransaction 验证节点返回的交易
func (v *Validator) ValidateTransaction(tx *models.Transaction) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "transaction"}
	if tx == nil {
		result.addError(invalidPayload("EMPTY_TRANSACTION", "交易为空"))
		return result
	}

	if !IsValidHash(tx.Hash) {
		result.addError(invalidPayload("INVALID_TX_HASH", "交易哈希格式无效").WithTxHash(tx.Hash))
	}
	if !common.IsHexAddress(tx.From) {
		result.addError(invalidPayload("INVALID_FROM_ADDRESS", "发送方地址格式无效").WithTxHash(tx.Hash))
	}
	if tx.To != "" && !common.IsHexAddress(tx.To) {
		result.addError(invalidPayload("INVALID_TO_ADDRESS", "接收方地址格式无效").WithTxHash(tx.Hash))
	}
	if tx.BlockHash != "" && !IsValidHash(tx.BlockHash) {
		result.addError(invalidPayload("INVALID_BLOCK_HASH", "交易所在区块哈希格式无效").WithTxHash(tx.Hash))
	}

	if tx.Value == "" {
		result.Warnings = append(result.Warnings, "交易值为空")
	}

	v.applyStrictMode(result)
	return result
}

func (v *Validator) applyStrictMode(result *ValidationResult) {
	if len(result.Warnings) == 0 {
		return
	}
	if v.strictMode {
		for _, w := range result.Warnings {
			result.addError(invalidPayload("STRICT_MODE_WARNING", w))
		}
		return
	}
	v.logger.Debugf("%s 验证警告: %s", result.DataType, strings.Join(result.Warnings, "; "))
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}

// IsValidHash 0x加64位十六进制
func IsValidHash(hash string) bool {
	return hashRegex.MatchString(hash)
}

// IsENSName 判断是否为需要解析的ENS名称
func IsENSName(name string) bool {
	name = strings.ToLower(name)
	if !strings.HasSuffix(name, ENSSuffix) || len(name) == len(ENSSuffix) {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if !ensLabelRegex.MatchString(label) {
			return false
		}
	}
	return true
}

// ValidateHash 校验区块或交易哈希
func ValidateHash(hash string) error {
	if !IsValidHash(hash) {
		return errors.InvalidInput("哈希格式无效: %q", hash)
	}
	return nil
}

// ValidateHexIdentifier 宽松校验，只要求0x开头且不超过64位十六进制
func ValidateHexIdentifier(id string) error {
	if !hexStringRegex.MatchString(id) {
		return errors.InvalidInput("标识格式无效: %q", id)
	}
	return nil
}

// ValidateAddress 校验地址，允许十六进制地址或ENS名称
func ValidateAddress(address string) error {
	if common.IsHexAddress(address) && strings.HasPrefix(strings.ToLower(address), "0x") {
		return nil
	}
	if IsENSName(address) {
		return nil
	}
	return errors.InvalidInput("地址格式无效: %q", address)
}

// ValidateBlockNumber 校验区块号
func ValidateBlockNumber(number int64) error {
	if number < 0 {
		return errors.InvalidInput("区块号不能为负数: %d", number)
	}
	return nil
}

// ParseBlockNumber 解析十进制或0x开头的十六进制区块号
func ParseBlockNumber(s string) (int64, error) {
	s = strings.TrimSpace(s)
	var (
		n   int64
		err error
	)
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		n, err = strconv.ParseInt(rest, 16, 64)
	} else {
		n, err = strconv.ParseInt(s, 10, 64)
	}
	if err != nil {
		return 0, errors.InvalidInput("区块号格式无效: %q", s)
	}
	if err := ValidateBlockNumber(n); err != nil {
		return 0, err
	}
	return n, nil
}
