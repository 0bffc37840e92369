package integration

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/catalog-mirror/internal/credential"
	"github.com/stacklok/catalog-mirror/internal/jobs"
	"github.com/stacklok/catalog-mirror/internal/jobs/state"
	"github.com/stacklok/catalog-mirror/internal/store"
	"github.com/stacklok/catalog-mirror/test-integration/mirror/helpers"
)

var _ = Describe("Catalog Mirror", func() {
	var (
		tempDir      string
		remote       *helpers.FakeRemote
		serverHelper *helpers.MirrorTestHelper
	)

	// phaseOf polls the phase of one job. A job that has not finished a
	// cycle yet reports no phase.
	phaseOf := func(name string) func() state.Phase {
		return func() state.Phase {
			st, err := serverHelper.JobStatus(name)
			if err != nil || st == nil || st.LastRun == nil || st.Phase == state.PhaseRunning {
				return ""
			}
			return st.Phase
		}
	}

	countOf := func(collection string) func() (int64, error) {
		return func() (int64, error) {
			return serverHelper.Count(collection)
		}
	}

	start := func(set helpers.JobSet) {
		configFile := helpers.WriteConfigYAML(tempDir, remote.URL(), set)
		serverHelper = helpers.NewMirrorTestHelper(ctx, configFile)
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)
	}

	BeforeEach(func() {
		tempDir = createTempDir("mirror-test-")
		remote = helpers.NewFakeRemote()
		remote.PutCreation(helpers.Creation{ID: "c1", Name: "Obby", CreatorID: "u1", Playing: 10})
		remote.PutCreation(helpers.Creation{ID: "c2", Name: "Tycoon", CreatorID: "u1", Playing: 20})
		remote.PutCreator("u1", "Builder")
	})

	AfterEach(func() {
		if serverHelper != nil {
			Expect(serverHelper.StopServer()).To(Succeed())
			serverHelper = nil
		}
		remote.Close()
		cleanupTempDir(tempDir)
	})

	Context("Discovery and entity sync", Label("sync"), func() {
		BeforeEach(func() {
			remote.SetDiscovery("c1", "c2")
			start(helpers.JobSet{CreationSync: true, DiscoveryPoll: true})
		})

		It("should mirror discovered creations and seed their creator", func() {
			Eventually(phaseOf(jobs.NameDiscoveryPoll), 10*time.Second, 100*time.Millisecond).
				Should(Equal(state.PhaseComplete))

			Expect(serverHelper.Count(store.CollectionCreations)).To(Equal(int64(2)))
			Expect(serverHelper.Count(store.CollectionCreators)).To(Equal(int64(1)))

			By("recording one changelog entry per new creation")
			Expect(serverHelper.Count(store.CollectionChangelog)).To(Equal(int64(2)))
		})

		It("should log a change picked up by the creation sync", func() {
			Eventually(phaseOf(jobs.NameDiscoveryPoll), 10*time.Second, 100*time.Millisecond).
				Should(Equal(state.PhaseComplete))
			Eventually(phaseOf(jobs.NameCreationSync), 10*time.Second, 100*time.Millisecond).
				Should(Equal(state.PhaseComplete))
			Eventually(countOf(store.CollectionChangelog), 5*time.Second, 100*time.Millisecond).
				Should(BeNumerically(">=", 2))
			before, err := serverHelper.Count(store.CollectionChangelog)
			Expect(err).NotTo(HaveOccurred())

			remote.PutCreation(helpers.Creation{ID: "c1", Name: "Obby 2", CreatorID: "u1", Playing: 10})

			res, err := serverHelper.RunOnce(jobs.NameCreationSync)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Processed).To(Equal(2))
			Expect(res.Changed).To(Equal(1))
			Expect(serverHelper.Count(store.CollectionChangelog)).To(Equal(before + 1))

			By("leaving an unchanged remote without new entries")
			res, err = serverHelper.RunOnce(jobs.NameCreationSync)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Changed).To(BeZero())
			Expect(serverHelper.Count(store.CollectionChangelog)).To(Equal(before + 1))
		})
	})

	Context("Creator sync", Label("sync"), func() {
		BeforeEach(func() {
			remote.SetDiscovery("c1", "c2")
			start(helpers.JobSet{CreatorSync: true, DiscoveryPoll: true})
		})

		It("should fill in seeded creators", func() {
			Eventually(phaseOf(jobs.NameDiscoveryPoll), 10*time.Second, 100*time.Millisecond).
				Should(Equal(state.PhaseComplete))
			Eventually(phaseOf(jobs.NameCreatorSync), 10*time.Second, 100*time.Millisecond).
				Should(Equal(state.PhaseComplete))

			res, err := serverHelper.RunOnce(jobs.NameCreatorSync)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Processed).To(Equal(1))

			By("logging the creator once, whichever cycle saw it first")
			Eventually(countOf(store.CollectionChangelog), 5*time.Second, 100*time.Millisecond).
				Should(Equal(int64(3)))

			st, err := serverHelper.GetStatus()
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Jobs).To(HaveLen(2))
		})
	})

	Context("Chart diff", Label("charts"), func() {
		BeforeEach(func() {
			remote.SetChart("c1", "c2", "c3")
			start(helpers.JobSet{ChartDiff: true})
		})

		It("should store the first snapshot without events", func() {
			Eventually(phaseOf(jobs.NameChartDiff), 10*time.Second, 100*time.Millisecond).
				Should(Equal(state.PhaseComplete))

			Expect(serverHelper.Count(store.CollectionChartSnapshots)).To(Equal(int64(1)))
			Expect(serverHelper.Count(store.CollectionChartEvents)).To(BeZero())
		})

		It("should write events when the ranking moves", func() {
			Eventually(phaseOf(jobs.NameChartDiff), 10*time.Second, 100*time.Millisecond).
				Should(Equal(state.PhaseComplete))

			remote.SetChart("c2", "c1", "c4")

			res, err := serverHelper.RunOnce(jobs.NameChartDiff)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Processed).To(Equal(1))
			Expect(res.Changed).To(BeNumerically(">", 0))
			Expect(serverHelper.Count(store.CollectionChartEvents)).To(Equal(int64(res.Changed)))

			By("writing nothing for an unchanged ranking")
			res, err = serverHelper.RunOnce(jobs.NameChartDiff)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Changed).To(BeZero())
		})
	})

	Context("Sampler", Label("sampler"), func() {
		BeforeEach(func() {
			start(helpers.JobSet{Sampler: true, SampleIDs: []string{"c1", "c2"}})
		})

		It("should record one sample per entity and boundary", func() {
			res, err := serverHelper.RunOnce(jobs.NameSampler)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Processed).To(Equal(2))
			Expect(res.Changed).To(Equal(2))

			stats, err := serverHelper.GetStats(store.CollectionSamples, "values.playing")
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Count).To(Equal(int64(2)))
			Expect(stats.Sum).To(Equal(30.0))
			Expect(stats.Max).To(Equal(20.0))

			By("keeping a single sample when the boundary is sampled again")
			_, err = serverHelper.RunOnce(jobs.NameSampler)
			Expect(err).NotTo(HaveOccurred())
			Expect(serverHelper.Count(store.CollectionSamples)).To(Equal(int64(2)))
		})
	})

	Context("Credential lifecycle", Label("credential"), func() {
		It("should refresh once and reuse the access token", func() {
			remote.SetChart("c1")
			start(helpers.JobSet{ChartDiff: true})

			Eventually(phaseOf(jobs.NameChartDiff), 10*time.Second, 100*time.Millisecond).
				Should(Equal(state.PhaseComplete))
			_, err := serverHelper.RunOnce(jobs.NameChartDiff)
			Expect(err).NotTo(HaveOccurred())

			Expect(remote.TokenCalls()).To(Equal(1))
			Expect(remote.APICalls()).To(Equal(2))

			st, err := serverHelper.GetStatus()
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Credential.State).To(Equal(credential.StateHealthy))

			resp, err := serverHelper.GetReadiness()
			Expect(err).NotTo(HaveOccurred())
			defer func() {
				_ = resp.Body.Close()
			}()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should stop the job and fail readiness once the refresh token is revoked", func() {
			remote.RejectRefreshTokens()
			remote.SetChart("c1")
			start(helpers.JobSet{ChartDiff: true})

			Eventually(phaseOf(jobs.NameChartDiff), 10*time.Second, 100*time.Millisecond).
				Should(Equal(state.PhaseStopped))

			st, err := serverHelper.JobStatus(jobs.NameChartDiff)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Reason).To(Equal(jobs.ReasonReauthorizationMissing))

			Eventually(func() (int, error) {
				resp, err := serverHelper.GetReadiness()
				if err != nil {
					return 0, err
				}
				defer func() {
					_ = resp.Body.Close()
				}()
				return resp.StatusCode, nil
			}, 5*time.Second, 100*time.Millisecond).Should(Equal(http.StatusServiceUnavailable))

			Expect(remote.APICalls()).To(BeZero())
		})
	})
})
