package output

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"distributor/internal/config"
	"distributor/pkg/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	distributorAddr = common.HexToAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3")
	beneficiary     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	admin           = common.HexToAddress("0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1")
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func sampleCreated() *models.DistributionCreated {
	return &models.DistributionCreated{
		NewContractAddress: distributorAddr,
		Record: &models.DistributionRecord{
			Sequence:           1,
			Creator:            admin,
			Beneficiary:        beneficiary,
			DistributorAddress: distributorAddr,
			TotalAmount:        big.NewInt(1000),
			ScheduleStart:      1535101200,
			PhaseInterval:      60,
			CreatedAt:          time.Unix(1535101100, 0).UTC(),
		},
	}
}

func sampleTransfer() *models.TransferRecord {
	return &models.TransferRecord{
		Sequence:     1,
		From:         distributorAddr,
		To:           beneficiary,
		Amount:       big.NewInt(100),
		PhaseNumber:  1,
		RegisteredBy: admin,
		RegisteredAt: time.Unix(1535101300, 0).UTC(),
	}
}

func sampleClaim() *models.ClaimEvent {
	return &models.ClaimEvent{
		Distributor:       distributorAddr,
		Beneficiary:       beneficiary,
		Target:            beneficiary,
		Amount:            big.NewInt(300),
		FromPhase:         1,
		ToPhase:           3,
		ClaimedCumulative: big.NewInt(300),
		Timestamp:         time.Unix(1535101400, 0).UTC(),
	}
}

func readLines(t *testing.T, dir, prefix string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"_*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestFileOutput(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "events")

	out, err := NewFileOutput(dir)
	require.NoError(t, err)

	require.NoError(t, out.WriteDistributionCreated(ctx, sampleCreated()))
	require.NoError(t, out.WriteTransferRegistered(ctx, sampleTransfer()))
	require.NoError(t, out.WriteClaim(ctx, sampleClaim()))
	require.NoError(t, out.WriteClaim(ctx, nil))
	require.NoError(t, out.Close())

	created := readLines(t, dir, "distributions")
	require.Len(t, created, 1)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(created[0]), &decoded))
	assert.Equal(t, distributorAddr.Hex(), decoded["newContractAddress"])
	assert.Equal(t, common.HexToAddress(decoded["newContractAddress"].(string)), distributorAddr)
	assert.Equal(t, sampleCreated().ToKafkaMessage()["beneficiary"], decoded["beneficiary"])

	assert.Len(t, readLines(t, dir, "transfers"), 1)

	claims := readLines(t, dir, "claims")
	require.Len(t, claims, 1)
	var claim map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(claims[0]), &claim))
	assert.Equal(t, models.EventClaim, claim["type"])
	assert.Equal(t, "300", claim["amount"])
	assert.Equal(t, float64(3), claim["to_phase"])
}

func TestKafkaOutput(t *testing.T) {
	ctx := context.Background()
	producer := mocks.NewSyncProducer(t, nil)

	expectType := func(eventType string) mocks.ValueChecker {
		return func(val []byte) error {
			var msg map[string]interface{}
			if err := json.Unmarshal(val, &msg); err != nil {
				return err
			}
			if msg["type"] != eventType {
				return errors.New("unexpected event type")
			}
			return nil
		}
	}

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(expectType(models.EventDistributionCreated))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(expectType(models.EventTransferRegistered))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(expectType(models.EventClaim))

	out := NewKafkaOutputWithProducer(producer, map[string]string{TopicClaims: "custom_claims"}, quietLogger())
	require.NoError(t, out.WriteDistributionCreated(ctx, sampleCreated()))
	require.NoError(t, out.WriteTransferRegistered(ctx, sampleTransfer()))
	require.NoError(t, out.WriteClaim(ctx, sampleClaim()))
	require.NoError(t, out.Close())
}

func TestKafkaOutput_PermanentFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrInvalidMessage)

	out := NewKafkaOutputWithProducer(producer, nil, quietLogger())
	err := out.WriteClaim(context.Background(), sampleClaim())
	assert.ErrorIs(t, err, sarama.ErrInvalidMessage)
	require.NoError(t, out.Close())
}

func TestResolveTopic(t *testing.T) {
	topics := map[string]string{TopicClaims: "custom_claims", TopicTransfers: ""}

	assert.Equal(t, "custom_claims", resolveTopic(topics, TopicClaims))
	assert.Equal(t, "vesting_transfers", resolveTopic(topics, TopicTransfers))
	assert.Equal(t, "vesting_distributions", resolveTopic(nil, TopicDistributions))
}

func TestAsyncKafkaOutput(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewAsyncProducer(t, cfg)
	producer.ExpectInputAndSucceed()
	producer.ExpectInputAndSucceed()
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	out := NewAsyncKafkaOutputWithProducer(producer, nil, quietLogger())
	ctx := context.Background()
	require.NoError(t, out.WriteDistributionCreated(ctx, sampleCreated()))
	require.NoError(t, out.WriteTransferRegistered(ctx, sampleTransfer()))
	require.NoError(t, out.WriteClaim(ctx, sampleClaim()))

	require.NoError(t, out.Flush())
	require.NoError(t, out.Close())

	sent, failed := out.GetStats()
	assert.Equal(t, int64(2), sent)
	assert.Equal(t, int64(1), failed)
}

type recordingOutput struct {
	fail    error
	created int
	claims  int
	closed  bool
}

func (r *recordingOutput) WriteDistributionCreated(context.Context, *models.DistributionCreated) error {
	r.created++
	return r.fail
}
func (r *recordingOutput) WriteTransferRegistered(context.Context, *models.TransferRecord) error {
	return r.fail
}
func (r *recordingOutput) WriteClaim(context.Context, *models.ClaimEvent) error {
	r.claims++
	return r.fail
}
func (r *recordingOutput) Close() error {
	r.closed = true
	return nil
}

func TestMultiOutput_ContinuesAfterFailure(t *testing.T) {
	failing := &recordingOutput{fail: errors.New("broker down")}
	healthy := &recordingOutput{}
	multi := NewMultiOutput(quietLogger(), failing, healthy)

	err := multi.WriteClaim(context.Background(), sampleClaim())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "1/2"))
	assert.Equal(t, 1, failing.claims)
	assert.Equal(t, 1, healthy.claims)

	failing.fail = nil
	require.NoError(t, multi.WriteDistributionCreated(context.Background(), sampleCreated()))
	assert.Equal(t, 1, healthy.created)

	require.NoError(t, multi.Close())
	assert.True(t, failing.closed)
	assert.True(t, healthy.closed)
}

func TestNewOutput(t *testing.T) {
	logger := quietLogger()

	out, err := NewOutput(&config.OutputConfig{Format: "none"}, logger)
	require.NoError(t, err)
	assert.IsType(t, NopOutput{}, out)

	dir := t.TempDir()
	out, err = NewOutput(&config.OutputConfig{Format: "json", Directory: dir}, logger)
	require.NoError(t, err)
	assert.IsType(t, &FileOutput{}, out)
	require.NoError(t, out.Close())

	_, err = NewOutput(&config.OutputConfig{Format: "csv"}, logger)
	assert.Error(t, err)

	_, err = NewOutput(&config.OutputConfig{Format: "postgres"}, logger)
	assert.Error(t, err)
}

func TestPostgresOutput(t *testing.T) {
	dsn := os.Getenv("DISTRIBUTOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("未设置 DISTRIBUTOR_TEST_POSTGRES_DSN")
	}

	out, err := NewPostgresOutput(dsn, quietLogger())
	require.NoError(t, err)
	defer out.Close()

	ctx := context.Background()
	require.NoError(t, out.WriteDistributionCreated(ctx, sampleCreated()))
	require.NoError(t, out.WriteTransferRegistered(ctx, sampleTransfer()))
	require.NoError(t, out.WriteClaim(ctx, sampleClaim()))
	// 重复写入被忽略
	require.NoError(t, out.WriteClaim(ctx, sampleClaim()))
}
