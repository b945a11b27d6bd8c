package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"lodestone/internal/config"
)

// IntegrationSuite runs Postgres (with pgvector) and nsqd in containers and
// hands tests a migrated database plus a connected producer.
type IntegrationSuite struct {
	T       *testing.T
	DB      *sql.DB
	NSQ     *nsq.Producer
	NSQAddr string

	dbHost string
	dbPort int

	pgContainer  *postgres.PostgresContainer
	nsqContainer testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("lodestone_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.DB, err = sql.Open("postgres", connStr)
	require.NoError(s.T, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(s.T, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(s.T, err)
	s.dbHost = host
	s.dbPort = port.Int()

	m, err := migrate.New(s.MigrationPath(), connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())

	nsqReq := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: nsqReq,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.nsqContainer = nsqC

	nsqHost, err := nsqC.Host(ctx)
	require.NoError(s.T, err)
	nsqPort, err := nsqC.MappedPort(ctx, "4150")
	require.NoError(s.T, err)
	s.NSQAddr = fmt.Sprintf("%s:%s", nsqHost, nsqPort.Port())

	nsqCfg := nsq.NewConfig()
	s.NSQ, err = nsq.NewProducer(s.NSQAddr, nsqCfg)
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.pgContainer != nil {
		s.pgContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		s.nsqContainer.Terminate(ctx)
	}
}

// MigrationPath points at the repo's migrations directory regardless of the
// package the test runs from.
func (s *IntegrationSuite) MigrationPath() string {
	_, b, _, _ := runtime.Caller(0)
	basepath := filepath.Dir(b)
	return fmt.Sprintf("file://%s/../../migrations", basepath)
}

// GetAppConfig returns a config wired to the suite's containers with the
// production defaults a test can override.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	return &config.Config{
		DBHost: s.dbHost,
		DBPort: s.dbPort,
		DBUser: "test",
		DBPass: "test",
		DBName: "lodestone_test",

		RedisAddr: "localhost:0",
		CacheTTL:  time.Hour,

		NSQDHost: s.NSQAddr,
		NSQDHTTP: s.nsqHTTPAddr(),

		GeminiAPIKey:    "test-key",
		EmbedModel:      "text-embedding-004",
		EmbedDim:        768,
		EmbedBatchSize:  100,
		EmbedMaxRetries: 1,
		EmbedRPS:        100,
		EmbedFanout:     2,
		EmbedTimeout:    30 * time.Second,

		ChunkTargetSize: 1024,
		ChunkOverlap:    200,
		ChunkMinSize:    128,

		SearchWSemantic:  0.7,
		SearchWLexical:   0.3,
		SearchTopK:       10,
		CandidateFactor:  3,
		RerankTopN:       50,
		SearchTimeout:    10 * time.Second,
		StoreReadTimeout: 3 * time.Second,

		ExtractTimeout: 30 * time.Second,
		SourceTimeout:  time.Minute,

		ServerPort:      8081,
		QueryLogPath:    filepath.Join(s.T.TempDir(), "query.log"),
		MaxUploadSizeMB: 50,
		UploadDir:       s.T.TempDir(),

		MigrationPath:              s.MigrationPath(),
		BootstrapRetryAttempts:     3,
		BootstrapRetryDelaySeconds: 1,
	}
}

func (s *IntegrationSuite) nsqHTTPAddr() string {
	ctx := context.Background()
	host, err := s.nsqContainer.Host(ctx)
	require.NoError(s.T, err)
	port, err := s.nsqContainer.MappedPort(ctx, "4151")
	require.NoError(s.T, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

// ConsumeOne drains a single message from the topic, waiting up to timeout.
// Returns nil if nothing arrives.
func (s *IntegrationSuite) ConsumeOne(topic string, timeout time.Duration) *nsq.Message {
	s.T.Helper()

	cfg := nsq.NewConfig()
	consumer, err := nsq.NewConsumer(topic, "testutils", cfg)
	require.NoError(s.T, err)
	defer consumer.Stop()

	got := make(chan *nsq.Message, 1)
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		select {
		case got <- m:
		default:
		}
		return nil
	}))
	require.NoError(s.T, consumer.ConnectToNSQD(s.NSQAddr))

	select {
	case m := <-got:
		return m
	case <-time.After(timeout):
		return nil
	}
}
